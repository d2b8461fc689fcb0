package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
)

// echo answers with the request path, from a continuation when the path
// asks for it.
type echo struct{}

func (echo) HandleRead(ctx *pipeline.Context) (pipeline.Action, error) {
	rc, ok := ctx.Message().(*httpcodec.RequestContent)
	if !ok || !rc.Last {
		return pipeline.StopAction, nil
	}
	reply := func(c *pipeline.Context) error {
		resp := rc.Request.Response()
		resp.Header().Set("Content-Type", "text/plain")
		return c.Write(&httpcodec.ResponseContent{Response: resp, Body: []byte(rc.Request.URL.Path), Last: true})
	}
	if strings.HasPrefix(rc.Request.URL.Path, "/later") {
		return ctx.Go(func(c *pipeline.Context) {
			time.Sleep(10 * time.Millisecond)
			_ = reply(c)
			_ = c.Resume()
		}), nil
	}
	return pipeline.StopAction, reply(ctx)
}

func startServer(t *testing.T) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	pool := NewWorkerPool(4, 16)
	t.Cleanup(pool.Stop)
	chain := pipeline.New([]pipeline.Stage{Stage{}, httpcodec.NewServerStage(), echo{}})
	srv := NewServer(chain, pool, WithMaxConns(8), WithReadBufferSize(64))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return "http://" + ln.Addr().String(), cancel, errc
}

func get(t *testing.T, client *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServeOverTCP(t *testing.T) {
	base, _, _ := startServer(t)
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/now", "/later/1", "/now/again", "/later/2"} {
		status, body := get(t, client, base+path)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, path, body)
	}
}

func TestLongHeadersSpanReads(t *testing.T) {
	base, _, _ := startServer(t)
	req, err := http.NewRequest(http.MethodGet, base+"/later/headers", nil)
	require.NoError(t, err)
	req.Header.Set("X-Padding", strings.Repeat("p", 500))

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "/later/headers", string(body))
}

func TestServeStopsOnCancel(t *testing.T) {
	base, cancel, errc := startServer(t)
	status, _ := get(t, &http.Client{Timeout: 5 * time.Second}, base+"/now")
	require.Equal(t, http.StatusOK, status)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestWorkerPoolNeverDrops(t *testing.T) {
	p := NewWorkerPool(1, 1)
	block := make(chan struct{})
	var ran atomic.Int32

	p.Execute(func() { <-block; ran.Add(1) })
	for range 5 {
		p.Execute(func() { ran.Add(1) })
	}
	close(block)

	require.Eventually(t, func() bool { return ran.Load() == 6 }, 5*time.Second, time.Millisecond)
	assert.Positive(t, p.Overflow())

	p.Stop()
	done := make(chan struct{})
	p.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task after Stop did not run")
	}
}
