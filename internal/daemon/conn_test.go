package daemon

import (
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/standardbeagle/mitmctl/internal/codec"
	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/protocol"
	"github.com/standardbeagle/mitmctl/internal/query"
)

// fakePeer plays the backend side of a pipe.
type fakePeer struct {
	t      *testing.T
	conn   net.Conn
	parser *protocol.Parser
	writer *protocol.Writer
}

func newPipe(t *testing.T, opts ...ConnOption) (*Conn, *fakePeer) {
	t.Helper()
	a, b := net.Pipe()
	c := NewConn(NewSockBuffer(a), opts...)
	p := &fakePeer{t: t, conn: b, parser: protocol.NewParser(b), writer: protocol.NewWriter(b)}
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, p
}

// recv reads one frame. Only call from the test goroutine.
func (p *fakePeer) recv() gjson.Result {
	p.t.Helper()
	line, err := p.parser.ReadLine()
	require.NoError(p.t, err)
	return gjson.ParseBytes(line)
}

func (p *fakePeer) sendRaw(s string) error {
	return p.writer.WriteLine([]byte(s))
}

func (p *fakePeer) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.writer.WriteLine(b)
}

func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call to return")
		return nil
	}
}

func sampleRequest(path, dbID string) *model.Request {
	r := model.NewRequest("GET", path)
	r.Headers.Set("Host", "example.com")
	r.DestHost = "example.com"
	r.DbID = dbID
	return r
}

func TestPing(t *testing.T) {
	c, p := newPipe(t)
	done := async(c.Ping)
	cmd := p.recv()
	assert.Equal(t, "Ping", cmd.Get("Command").String())
	require.NoError(t, p.sendRaw(`{"Ping":true}`))
	assert.NoError(t, wait(t, done))
}

func TestCommandErrorEnvelope(t *testing.T) {
	c, p := newPipe(t)
	done := async(func() error { return c.AddTag("12", "x", 2) })
	cmd := p.recv()
	assert.Equal(t, "AddTag", cmd.Get("Command").String())
	assert.Equal(t, "12", cmd.Get("ReqId").String())
	assert.Equal(t, "x", cmd.Get("Tag").String())
	assert.Equal(t, int64(2), cmd.Get("Storage").Int())
	require.NoError(t, p.sendRaw(`{"Success":false,"Reason":"no such storage"}`))

	err := wait(t, done)
	var cmdErr *protocol.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "AddTag", cmdErr.Command)
	assert.Equal(t, "no such storage", cmdErr.Reason)
	assert.False(t, errors.Is(err, ErrConnectionClosed))

	// The connection is still usable after a rejected command.
	done = async(c.Ping)
	p.recv()
	require.NoError(t, p.sendRaw(`{"Ping":true}`))
	assert.NoError(t, wait(t, done))
}

func TestSubmitCopiesResult(t *testing.T) {
	c, p := newPipe(t)
	req := sampleRequest("/submit", "")
	req.Tags.Add("x")

	done := async(func() error { return c.Submit(req, 3) })
	cmd := p.recv()
	assert.Equal(t, "Submit", cmd.Get("Command").String())
	assert.Equal(t, int64(3), cmd.Get("Storage").Int())
	assert.Equal(t, "/submit", cmd.Get("Request.Path").String())
	assert.Equal(t, "x", cmd.Get("Request.Tags.0").String())

	submitted := sampleRequest("/submit", "42")
	submitted.StartTime = time.Unix(0, 1000)
	rsp := model.NewResponse(200, "OK")
	rsp.SetBody([]byte("hi"))
	submitted.Response = rsp
	require.NoError(t, p.sendJSON(map[string]any{"SubmittedRequest": codec.EncodeRequest(submitted, codec.Full)}))

	require.NoError(t, wait(t, done))
	assert.Equal(t, "42", req.DbID)
	assert.Equal(t, 3, req.StorageID)
	require.NotNil(t, req.Response)
	assert.Equal(t, 200, req.Response.StatusCode)
	assert.Equal(t, "hi", string(req.Response.Body()))
	assert.Equal(t, 3, req.Response.StorageID)
	assert.Equal(t, int64(1000), req.StartTime.UnixNano())
}

func TestSubmitWithoutRequestIsDecodeError(t *testing.T) {
	c, p := newPipe(t)
	done := async(func() error { return c.Submit(sampleRequest("/", ""), 0) })
	p.recv()
	require.NoError(t, p.sendRaw(`{}`))
	var decErr *codec.DecodeError
	assert.ErrorAs(t, wait(t, done), &decErr)
}

func TestQueryStorageDropsUnmangledPredecessors(t *testing.T) {
	c, p := newPipe(t)
	q := query.Query{{{"method", "is", "GET"}}}

	var got []*model.Request
	done := async(func() error {
		var err error
		got, err = c.QueryStorage(q, 5, false, 0)
		return err
	})
	cmd := p.recv()
	assert.Equal(t, "StorageQuery", cmd.Get("Command").String())
	assert.JSONEq(t, `[[["method","is","GET"]]]`, cmd.Get("Query").Raw)
	assert.Equal(t, int64(5), cmd.Get("Storage").Int())
	assert.Equal(t, int64(0), cmd.Get("MaxResults").Int())

	orig := sampleRequest("/a", "1")
	edited := sampleRequest("/b", "2")
	edited.Unmangled = orig
	other := sampleRequest("/c", "3")
	require.NoError(t, p.sendJSON(map[string]any{"Results": []*codec.Request{
		codec.EncodeRequest(edited, codec.Full),
		codec.EncodeRequest(orig, codec.Full),
		codec.EncodeRequest(other, codec.Full),
	}}))

	require.NoError(t, wait(t, done))
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].DbID)
	assert.Equal(t, "3", got[1].DbID)
	assert.Equal(t, 5, got[0].StorageID)
	require.NotNil(t, got[0].Unmangled)
	assert.Equal(t, 5, got[0].Unmangled.StorageID)
}

func TestQueryStorageEmptyQueryIsArray(t *testing.T) {
	c, p := newPipe(t)
	done := async(func() error {
		_, err := c.QueryStorage(nil, 0, true, -3)
		return err
	})
	cmd := p.recv()
	assert.Equal(t, "[]", cmd.Get("Query").Raw)
	assert.True(t, cmd.Get("HeadersOnly").Bool())
	assert.Equal(t, int64(0), cmd.Get("MaxResults").Int())
	require.NoError(t, p.sendRaw(`{"Results":[]}`))
	require.NoError(t, wait(t, done))
}

func TestRequestByIDNotFound(t *testing.T) {
	c, p := newPipe(t)
	done := async(func() error {
		_, err := c.RequestByID("99", 1, false)
		return err
	})
	cmd := p.recv()
	assert.JSONEq(t, `[[["dbid","is","99"]]]`, cmd.Get("Query").Raw)
	assert.Equal(t, int64(1), cmd.Get("MaxResults").Int())
	require.NoError(t, p.sendRaw(`{"Results":[]}`))
	assert.ErrorIs(t, wait(t, done), ErrNotFound)
}

func TestValidateQueryReturnsInvalidQuery(t *testing.T) {
	c, p := newPipe(t)
	done := async(func() error { return c.ValidateQuery(query.Query{{{"bogus"}}}) })
	p.recv()
	require.NoError(t, p.sendRaw(`{"Success":false,"Reason":"unknown field bogus"}`))

	err := wait(t, done)
	var invalid *InvalidQueryError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "unknown field bogus", invalid.Reason)
	var cmdErr *protocol.CommandError
	assert.ErrorAs(t, err, &cmdErr)
}

func TestCheckRequestModes(t *testing.T) {
	c, p := newPipe(t)
	q := query.Query{{{"path", "ct", "api"}}}

	var ok bool
	done := async(func() error {
		var err error
		ok, err = c.CheckRequest(q, sampleRequest("/api", ""))
		return err
	})
	cmd := p.recv()
	assert.Equal(t, "checkrequest", cmd.Get("Command").String())
	assert.Equal(t, "/api", cmd.Get("Request.Path").String())
	assert.False(t, cmd.Get("DbId").Exists())
	require.NoError(t, p.sendRaw(`{"Result":true}`))
	require.NoError(t, wait(t, done))
	assert.True(t, ok)

	done = async(func() error {
		var err error
		ok, err = c.CheckStoredRequest(q, 4, "17")
		return err
	})
	cmd = p.recv()
	assert.False(t, cmd.Get("Request").Exists())
	assert.Equal(t, "17", cmd.Get("DbId").String())
	assert.Equal(t, int64(4), cmd.Get("StorageId").Int())
	require.NoError(t, p.sendRaw(`{"Result":false}`))
	require.NoError(t, wait(t, done))
	assert.False(t, ok)
}

func TestAddListenerFrame(t *testing.T) {
	c, p := newPipe(t)
	var id int
	done := async(func() error {
		var err error
		id, err = c.AddListener(ListenerConfig{Host: "127.0.0.1", Port: 8080, Transparent: true, DestHost: "example.com", DestPort: 443, DestUseTLS: true})
		return err
	})
	cmd := p.recv()
	assert.Equal(t, "tcp", cmd.Get("Type").String())
	assert.Equal(t, "127.0.0.1:8080", cmd.Get("Addr").String())
	assert.True(t, cmd.Get("TransparentMode").Bool())
	assert.Equal(t, "example.com", cmd.Get("DestHost").String())
	assert.True(t, cmd.Get("DestUseTLS").Bool())
	require.NoError(t, p.sendRaw(`{"Id":7}`))
	require.NoError(t, wait(t, done))
	assert.Equal(t, 7, id)
}

func TestListStorageAndScope(t *testing.T) {
	c, p := newPipe(t)
	var infos []StorageInfo
	done := async(func() error {
		var err error
		infos, err = c.ListStorage()
		return err
	})
	p.recv()
	require.NoError(t, p.sendRaw(`{"Storages":[{"Id":1,"Description":"sqlite|"},{"Id":2,"Description":"inmem|m"}]}`))
	require.NoError(t, wait(t, done))
	assert.Equal(t, []StorageInfo{{1, "sqlite|"}, {2, "inmem|m"}}, infos)

	var scope Scope
	done = async(func() error {
		var err error
		scope, err = c.GetScope()
		return err
	})
	assert.Equal(t, "ViewScope", p.recv().Get("Command").String())
	require.NoError(t, p.sendRaw(`{"IsCustom":true,"Query":[[["host","is","a.test"]]]}`))
	require.NoError(t, wait(t, done))
	assert.True(t, scope.IsCustom)
	assert.Equal(t, query.Query{{{"host", "is", "a.test"}}}, scope.Query)
}

func TestRawRejectsInteractiveCommands(t *testing.T) {
	c, _ := newPipe(t)
	_, err := c.Raw(protocol.CmdIntercept, nil)
	assert.Error(t, err)
}

func TestMalformedReplyDoesNotKillConnection(t *testing.T) {
	c, p := newPipe(t)
	done := async(c.Ping)
	p.recv()
	require.NoError(t, p.sendRaw(`not json`))
	var decErr *codec.DecodeError
	assert.ErrorAs(t, wait(t, done), &decErr)
	assert.False(t, c.Closed())
}

func TestClosedConnectionRejectsCommands(t *testing.T) {
	var hooks atomic.Int32
	c, _ := newPipe(t, WithCloseHook(func(*Conn) { hooks.Add(1) }))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(), ErrConnectionClosed)
	assert.Equal(t, int32(1), hooks.Load())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestCloseUnblocksPendingCommand(t *testing.T) {
	c, p := newPipe(t)
	done := async(c.Ping)
	p.recv()
	require.NoError(t, c.Close())
	assert.ErrorIs(t, wait(t, done), ErrConnectionClosed)
}

func TestPeerCloseIsConnectionClosed(t *testing.T) {
	c, p := newPipe(t)
	done := async(c.Ping)
	p.recv()
	require.NoError(t, p.conn.Close())
	assert.ErrorIs(t, wait(t, done), ErrConnectionClosed)
	assert.True(t, c.Closed())
}
