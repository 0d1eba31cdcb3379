package intercept

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mitmctl/internal/model"
)

func newReqMessage(id string) *Message {
	req := model.NewRequest("GET", "/a")
	req.Headers.Set("Host", "example.com")
	return NewMessage(id, KindRequest, req, nil, nil)
}

func TestDecisionSingleAssignment(t *testing.T) {
	d := NewDecision()
	assert.Equal(t, Pending, d.State())
	require.NoError(t, d.Resolve("x"))
	assert.ErrorIs(t, d.Resolve("y"), ErrAlreadyDecided)
	assert.ErrorIs(t, d.Cancel(), ErrAlreadyDecided)

	o, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Resolved, o.State)
	assert.Equal(t, "x", o.Replacement)
	assert.False(t, o.Dropped())
}

func TestDecisionCancelIsDrop(t *testing.T) {
	d := NewDecision()
	require.NoError(t, d.Cancel())
	assert.Equal(t, Canceled, d.State())
	assert.True(t, d.Outcome().Dropped())
	assert.ErrorIs(t, d.Resolve(nil), ErrAlreadyDecided)
}

func TestDecisionWaitHonorsContext(t *testing.T) {
	d := NewDecision()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Pending, d.State())
}

func TestDecisionConcurrentResolvers(t *testing.T) {
	d := NewDecision()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Resolve(i) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMessageForwardKinds(t *testing.T) {
	m := newReqMessage("1")
	assert.ErrorIs(t, m.ForwardResponse(model.NewResponse(200, "OK")), ErrWrongKind)
	assert.Equal(t, Pending, m.State())

	edited := m.Request.Copy()
	edited.Method = "POST"
	require.NoError(t, m.ForwardRequest(edited))
	assert.Same(t, edited, m.Decision().Outcome().Replacement)
	assert.ErrorIs(t, m.Drop(), ErrAlreadyDecided)
}

func TestMessageForwardRaw(t *testing.T) {
	m := newReqMessage("1")
	m.Request.DestHost = "example.com"
	m.Request.DestPort = 443
	m.Request.UseTLS = true

	raw := []byte("PUT /b HTTP/1.1\r\nHost: example.com\r\n\r\nbody")
	require.NoError(t, m.ForwardRaw(raw))
	r := m.Decision().Outcome().Replacement.(*model.Request)
	assert.Equal(t, "PUT", r.Method)
	assert.Equal(t, "body", string(r.Body()))
	assert.Equal(t, 443, r.DestPort)
	assert.True(t, r.UseTLS)
}

func TestDispatchForwardsUnhandledKinds(t *testing.T) {
	mgr := Funcs{Response: func(_ *model.Request, rsp *model.Response) *model.Response { return rsp }}
	assert.Equal(t, Capabilities{Responses: true}, mgr.Capabilities())

	m := newReqMessage("1")
	Dispatch(mgr, m)
	o := m.Decision().Outcome()
	assert.Equal(t, Resolved, o.State)
	assert.Same(t, m.Request, o.Replacement)
}

func TestFuncsNilReturnDrops(t *testing.T) {
	mgr := Funcs{Request: func(*model.Request) *model.Request { return nil }}
	m := newReqMessage("1")
	Dispatch(mgr, m)
	o := m.Decision().Outcome()
	assert.Equal(t, Resolved, o.State)
	assert.True(t, o.Dropped())
}

func TestDispatchPanicCancels(t *testing.T) {
	mgr := Funcs{Request: func(*model.Request) *model.Request { panic("bad mangler") }}
	m := newReqMessage("1")
	Dispatch(mgr, m)
	assert.Equal(t, Canceled, m.State())
}

func TestCapabilitiesAllows(t *testing.T) {
	c := Capabilities{Requests: true, Websocket: true}
	assert.True(t, c.Any())
	assert.True(t, c.Allows(KindRequest))
	assert.False(t, c.Allows(KindResponse))
	assert.True(t, c.Allows(KindWebsocket))
	assert.False(t, Capabilities{}.Any())
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(Capabilities{Requests: true})
	a, b := newReqMessage("a"), newReqMessage("b")
	Dispatch(q, a)
	Dispatch(q, b)
	assert.NotEmpty(t, a.QueueKey)
	assert.NotEqual(t, a.QueueKey, b.QueueKey)
	assert.Equal(t, 2, q.Len())

	ctx := context.Background()
	got, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, a, got)
	require.NoError(t, got.Forward())

	got, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, 1, q.Len())
}

func TestQueueNextSkipsDecided(t *testing.T) {
	q := NewQueue(Capabilities{Requests: true})
	a, b := newReqMessage("a"), newReqMessage("b")
	q.Push(a)
	q.Push(b)

	m, ok := q.Get(a.QueueKey)
	require.True(t, ok)
	require.NoError(t, m.Drop())

	got, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestQueueNextBlocksUntilPush(t *testing.T) {
	q := NewQueue(Capabilities{Requests: true})
	m := newReqMessage("late")
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(m)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestQueueCancelAllLeavesNothingPending(t *testing.T) {
	q := NewQueue(Capabilities{Requests: true})
	msgs := []*Message{newReqMessage("1"), newReqMessage("2"), newReqMessage("3")}
	for _, m := range msgs {
		q.Push(m)
	}
	taken, err := q.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, q.CancelAll())
	assert.Equal(t, 0, q.Len())
	for _, m := range msgs {
		assert.Equal(t, Canceled, m.State())
	}
	assert.ErrorIs(t, taken.Forward(), ErrAlreadyDecided)
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(Capabilities{Requests: true})
	done := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on Close")
	}

	late := newReqMessage("2")
	assert.Empty(t, q.Push(late))
	assert.Equal(t, Canceled, late.State())
}
