package daemon

import (
	"context"
	"encoding/json"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mitmctl/internal/codec"
	"github.com/standardbeagle/mitmctl/internal/model"
)

func startWatch(t *testing.T, ctx context.Context, c *Conn, p *fakePeer, storageID int, headersOnly bool) iter.Seq2[*WatchEvent, error] {
	t.Helper()
	var seq iter.Seq2[*WatchEvent, error]
	done := async(func() error {
		var err error
		seq, err = c.WatchStorage(ctx, storageID, headersOnly)
		return err
	})
	cmd := p.recv()
	require.Equal(t, "WatchStorage", cmd.Get("Command").String())
	require.Equal(t, int64(storageID), cmd.Get("StorageId").Int())
	require.Equal(t, headersOnly, cmd.Get("HeadersOnly").Bool())
	require.NoError(t, p.sendRaw(`{"Success":true}`))
	require.NoError(t, wait(t, done))
	return seq
}

func TestWatchStorageDecodesEvents(t *testing.T) {
	c, p := newPipe(t)
	seq := startWatch(t, context.Background(), c, p, AllStorages, false)
	assert.ErrorIs(t, c.Ping(), ErrInteractive)

	req := sampleRequest("/watched", "10")
	req.SetBody([]byte("payload"))
	rsp := model.NewResponse(201, "Created")
	req.Response = rsp

	go func() {
		frames := []any{
			map[string]any{"Action": "NewRequest", "StorageId": 4, "Request": codec.EncodeRequest(req, codec.Full)},
			map[string]any{"Action": "RequestDeleted", "StorageId": 4, "Request": "10"},
			json.RawMessage(`{"Action":"NewRequest","StorageId":4,"Request":{"Method":"GET","Body":"!!"}}`),
			map[string]any{"Action": "NewWSMessage", "StorageId": 2, "WSMessage": codec.EncodeWSMessage(&model.WSMessage{Message: []byte("ws")}, codec.Full)},
		}
		for _, f := range frames {
			if err := p.sendJSON(f); err != nil {
				return
			}
		}
		p.conn.Close()
	}()

	var events []*WatchEvent
	var errs []error
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for ev, err := range seq {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			events = append(events, ev)
		}
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("watch sequence did not end when the connection closed")
	}

	require.Len(t, events, 3)
	require.Len(t, errs, 1)
	var decErr *codec.DecodeError
	assert.ErrorAs(t, errs[0], &decErr)

	assert.Equal(t, "NewRequest", events[0].Action)
	require.NotNil(t, events[0].Request)
	assert.Equal(t, 4, events[0].Request.StorageID)
	assert.Equal(t, "payload", string(events[0].Request.Body()))
	require.NotNil(t, events[0].Request.Response)
	assert.Equal(t, 4, events[0].Request.Response.StorageID)

	assert.Equal(t, "RequestDeleted", events[1].Action)
	assert.Nil(t, events[1].Request)
	assert.Equal(t, "10", events[1].MessageID)

	require.NotNil(t, events[2].WSMessage)
	assert.Equal(t, 2, events[2].WSMessage.StorageID)
	assert.Equal(t, "ws", string(events[2].WSMessage.Message))
	assert.True(t, c.Closed())
}

func TestWatchStorageBreakClosesConnection(t *testing.T) {
	c, p := newPipe(t)
	seq := startWatch(t, context.Background(), c, p, 1, true)

	go p.sendJSON(map[string]any{"Action": "NewRequest", "StorageId": 1, "Request": codec.EncodeRequest(sampleRequest("/", "1"), codec.Full)})
	for ev, err := range seq {
		require.NoError(t, err)
		assert.True(t, ev.Request.HeadersOnly)
		break
	}
	assert.True(t, c.Closed())
}

func TestWatchStorageCancelBeforeIterating(t *testing.T) {
	c, p := newPipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	seq := startWatch(t, ctx, c, p, 1, false)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection left open after cancel")
	}
	for range seq {
		t.Fatal("closed watch yielded an event")
	}
}

func TestWatchStorageRejected(t *testing.T) {
	c, p := newPipe(t)
	done := async(func() error {
		_, err := c.WatchStorage(context.Background(), 9, false)
		return err
	})
	p.recv()
	require.NoError(t, p.sendRaw(`{"Success":false,"Reason":"no storage 9"}`))
	assert.Error(t, wait(t, done))
	assert.False(t, c.Interactive())
}
