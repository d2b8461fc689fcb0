package pipeline

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type recStage struct {
	name   string
	j      *journal
	onRead func(ctx *Context) (Action, error)
	errs   []error
}

func (s *recStage) Name() string { return s.name }

func (s *recStage) HandleRead(ctx *Context) (Action, error) {
	s.j.add("read:" + s.name)
	if s.onRead != nil {
		return s.onRead(ctx)
	}
	return ContinueAction, nil
}

func (s *recStage) HandleWrite(ctx *Context) (Action, error) {
	s.j.add("write:" + s.name)
	return ContinueAction, nil
}

func (s *recStage) ExceptionOccurred(_ *Context, err error) {
	s.errs = append(s.errs, err)
}

func (s *recStage) OnAdded(*Chain)        { s.j.add("added:" + s.name) }
func (s *recStage) OnRemoved(*Chain)      { s.j.add("removed:" + s.name) }
func (s *recStage) OnChainChanged(*Chain) { s.j.add("changed:" + s.name) }

func waitDone(t *testing.T, ctx *Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pass did not finish")
	}
}

func TestReadRunsForwardUntilStop(t *testing.T) {
	j := &journal{}
	a := &recStage{name: "a", j: j}
	b := &recStage{name: "b", j: j, onRead: func(*Context) (Action, error) { return StopAction, nil }}
	c := &recStage{name: "c", j: j}
	chain := New([]Stage{a, PassThrough{}, b, c})
	j.entries = nil

	ctx, err := chain.Read(NewConnection(&bytes.Buffer{}), "msg")
	require.NoError(t, err)
	waitDone(t, ctx)
	assert.Equal(t, []string{"read:a", "read:b"}, j.list())
}

func TestWriteRunsBackwardFromWriter(t *testing.T) {
	j := &journal{}
	a := &recStage{name: "a", j: j}
	b := &recStage{name: "b", j: j}
	c := &recStage{name: "c", j: j, onRead: func(ctx *Context) (Action, error) {
		return StopAction, ctx.Write("reply")
	}}
	chain := New([]Stage{a, b, c})
	j.entries = nil

	_, err := chain.Read(NewConnection(&bytes.Buffer{}), "msg")
	require.NoError(t, err)
	assert.Equal(t, []string{"read:a", "read:b", "read:c", "write:b", "write:a"}, j.list())
}

func TestSuspendAndResume(t *testing.T) {
	j := &journal{}
	release := make(chan struct{})
	var suspendedAt int
	a := &recStage{name: "a", j: j}
	b := &recStage{name: "b", j: j, onRead: func(ctx *Context) (Action, error) {
		suspendedAt = ctx.Index()
		return ctx.Go(func(c *Context) {
			<-release
			j.add("continuation")
			assert.NoError(t, c.Resume())
		}), nil
	}}
	c := &recStage{name: "c", j: j}
	chain := New([]Stage{a, b, c})
	j.entries = nil

	ctx, err := chain.Read(NewConnection(&bytes.Buffer{}), "msg")
	require.NoError(t, err)
	assert.True(t, ctx.Suspended())
	ex := ctx.Exchange()
	assert.False(t, ex.Completed())

	close(release)
	waitDone(t, ctx)
	assert.Equal(t, 1, suspendedAt)
	assert.Equal(t, []string{"read:a", "read:b", "continuation", "read:c"}, j.list())
	assert.True(t, ex.Completed())
}

func TestResumeWithoutSuspendFails(t *testing.T) {
	chain := New([]Stage{PassThrough{}})
	ctx, err := chain.Read(NewConnection(&bytes.Buffer{}), "msg")
	require.NoError(t, err)
	assert.ErrorIs(t, ctx.Resume(), ErrNotSuspended)
}

func TestErrorsNotifyFailingStageAndBelow(t *testing.T) {
	j := &journal{}
	boom := errors.New("boom")
	a := &recStage{name: "a", j: j}
	b := &recStage{name: "b", j: j, onRead: func(*Context) (Action, error) { return StopAction, boom }}
	c := &recStage{name: "c", j: j}
	chain := New([]Stage{a, b, c})

	_, err := chain.Read(NewConnection(&bytes.Buffer{}), "msg")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []error{boom}, a.errs)
	assert.Equal(t, []error{boom}, b.errs)
	assert.Empty(t, c.errs)
}

func TestPanicBecomesError(t *testing.T) {
	j := &journal{}
	a := &recStage{name: "a", j: j}
	b := &recStage{name: "b", j: j, onRead: func(*Context) (Action, error) { panic("nil map") }}
	chain := New([]Stage{a, b})

	_, err := chain.Read(NewConnection(&bytes.Buffer{}), "msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage 1 (b) panicked")
	require.Len(t, a.errs, 1)
}

func TestRemainderIsMergedIntoNextRead(t *testing.T) {
	var got []string
	s := &recStage{name: "s", j: &journal{}, onRead: func(ctx *Context) (Action, error) {
		b := ctx.Message().([]byte)
		got = append(got, string(b))
		if !bytes.HasSuffix(b, []byte("\n")) {
			return StopWith(b), nil
		}
		return StopAction, nil
	}}
	chain := New([]Stage{s})
	conn := NewConnection(&bytes.Buffer{})

	_, err := chain.Read(conn, []byte("hel"))
	require.NoError(t, err)
	_, err = chain.Read(conn, []byte("lo\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "hello\n"}, got)
	assert.False(t, conn.TakeReplay())
}

func TestContinueWithRequestsReplay(t *testing.T) {
	s := &recStage{name: "s", j: &journal{}, onRead: func(*Context) (Action, error) {
		return ContinueWith([]byte("next")), nil
	}}
	conn := NewConnection(&bytes.Buffer{})
	_, err := New([]Stage{s}).Read(conn, []byte("first"))
	require.NoError(t, err)
	assert.True(t, conn.TakeReplay())
	assert.False(t, conn.TakeReplay())
}

func TestConnectionCloseCompletesExchanges(t *testing.T) {
	conn := NewConnection(&bytes.Buffer{})
	ex := conn.NewExchange()
	var order []string
	ex.AddCompletionListener(func() { order = append(order, "first") })
	ex.AddCompletionListener(func() { order = append(order, "second") })
	assert.Equal(t, 1, conn.Pending())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 0, conn.Pending())

	late := false
	ex.AddCompletionListener(func() { late = true })
	assert.True(t, late)

	assert.True(t, conn.NewExchange().Completed())
	_, err := conn.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestTopologyNotifications(t *testing.T) {
	j := &journal{}
	chain := New([]Stage{&recStage{name: "a", j: j}, &recStage{name: "b", j: j}})
	chain.Release()
	assert.Equal(t, []string{
		"added:a", "added:b",
		"changed:a", "changed:b",
		"removed:a", "removed:b",
	}, j.list())
}
