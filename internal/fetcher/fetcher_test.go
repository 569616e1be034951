package fetcher

import (
	"dashabr/internal/events"
	"dashabr/internal/models"
	"dashabr/internal/transport"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger is a no-op logger for testing purposes.
type mockLogger struct{}

func (m *mockLogger) Debugf(format string, v ...interface{}) {}
func (m *mockLogger) Infof(format string, v ...interface{})  {}
func (m *mockLogger) Warnf(format string, v ...interface{})  {}
func (m *mockLogger) Errorf(format string, v ...interface{}) {}

type fakeLoad struct {
	req    *models.Request
	cb     transport.Callbacks
	handle transport.Handle
}

// fakeTransport records calls and lets the test drive callbacks by hand.
type fakeTransport struct {
	mu      sync.Mutex
	loads   []*fakeLoad
	aborted []transport.Handle
	closed  bool
}

func (t *fakeTransport) Load(req *models.Request, cb transport.Callbacks) transport.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := &fakeLoad{req: req, cb: cb, handle: transport.Handle(len(t.loads) + 1)}
	t.loads = append(t.loads, l)
	return l.handle
}

func (t *fakeTransport) Abort(h transport.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = append(t.aborted, h)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) last(tb testing.TB) *fakeLoad {
	t.mu.Lock()
	defer t.mu.Unlock()
	require.NotEmpty(tb, t.loads, "expected a transport load")
	return t.loads[len(t.loads)-1]
}

// recordAll subscribes to every fetcher event type and returns the log.
func recordAll(bus *events.Bus) *[]events.Event {
	var mu sync.Mutex
	got := &[]events.Event{}
	record := func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		*got = append(*got, e)
	}
	bus.Subscribe(events.LoadingProgress, record)
	bus.Subscribe(events.LoadingCompleted, record)
	bus.Subscribe(events.CheckForExistenceCompleted, record)
	return got
}

func newFetcher() (*SegmentFetcher, *fakeTransport, *[]events.Event) {
	bus := events.NewBus()
	tr := &fakeTransport{}
	got := recordAll(bus)
	return New(tr, bus, &mockLogger{}), tr, got
}

func TestLoad_NullRequest(t *testing.T) {
	f, tr, got := newFetcher()

	f.Load(nil)

	require.Len(t, *got, 1, "null request is reported synchronously")
	completed := (*got)[0].(events.LoadingCompletedEvent)
	assert.Nil(t, completed.Request)
	assert.Nil(t, completed.Response)
	require.NotNil(t, completed.Error)
	assert.Equal(t, models.NullRequest, completed.Error.Code)
	assert.Equal(t, "request is null", completed.Error.Message)
	assert.True(t, errors.Is(completed.Error, models.ErrNullRequest))
	assert.Same(t, f, completed.Sender)
	assert.Empty(t, tr.loads, "no transport call for a null request")
}

func TestLoad_ProgressThenSuccess(t *testing.T) {
	f, tr, got := newFetcher()
	req := models.NewRequest("http://cdn/v/1.m4s", models.Video)

	f.Load(req)
	assert.Empty(t, *got, "load returns before any event")
	assert.True(t, f.Active())

	l := tr.last(t)
	assert.Same(t, req, l.req)
	trace := models.TransferTrace{{Bytes: 100, Elapsed: time.Millisecond}}
	l.cb.OnProgress(trace)
	l.cb.OnProgress(append(trace, models.TraceChunk{Bytes: 50, Elapsed: time.Millisecond}))
	resp := &models.Response{Request: req, StatusCode: 200, Trace: trace}
	l.cb.OnSuccess(resp)

	require.Len(t, *got, 3)
	p0 := (*got)[0].(events.LoadingProgressEvent)
	assert.Same(t, req, p0.Request)
	assert.Equal(t, int64(100), p0.Response.Trace.TotalBytes())
	p1 := (*got)[1].(events.LoadingProgressEvent)
	assert.Equal(t, int64(150), p1.Response.Trace.TotalBytes())

	completed := (*got)[2].(events.LoadingCompletedEvent)
	assert.Same(t, req, completed.Request)
	assert.Same(t, resp, completed.Response)
	assert.Nil(t, completed.Error)
	assert.Equal(t, f.ID(), completed.Sender.ID())
	assert.False(t, f.Active())
}

func TestLoad_TransportError(t *testing.T) {
	f, tr, got := newFetcher()
	req := models.NewRequest("http://cdn/v/2.m4s", models.Video)

	f.Load(req)
	tr.last(t).cb.OnError(404, "Not Found", "received status code 404")

	require.Len(t, *got, 1)
	completed := (*got)[0].(events.LoadingCompletedEvent)
	assert.True(t, completed.Failed())
	assert.Nil(t, completed.Response)
	assert.Equal(t, models.LoadingFailure, completed.Error.Code)
	assert.Equal(t, 404, completed.Error.Status)
	assert.Equal(t, "Not Found", completed.Error.StatusText)
	assert.Equal(t, "received status code 404", completed.Error.Message)
}

func TestLoad_SingleTerminalEvent(t *testing.T) {
	f, tr, got := newFetcher()

	f.Load(models.NewRequest("http://cdn/a/1.m4s", models.Audio))
	l := tr.last(t)
	l.cb.OnSuccess(&models.Response{})
	l.cb.OnError(500, "Internal Server Error", "late")
	l.cb.OnProgress(models.TransferTrace{{Bytes: 1}})

	require.Len(t, *got, 1)
	assert.Equal(t, events.LoadingCompleted, (*got)[0].Type())
}

func TestAbort_WithoutTransferIsSilent(t *testing.T) {
	f, tr, got := newFetcher()

	assert.NotPanics(t, func() {
		f.Abort()
		f.Abort()
	})
	assert.Empty(t, *got)
	assert.Empty(t, tr.aborted)
}

func TestAbort_SuppressesLateCallbacks(t *testing.T) {
	f, tr, got := newFetcher()

	f.Load(models.NewRequest("http://cdn/v/3.m4s", models.Video))
	l := tr.last(t)
	l.cb.OnProgress(models.TransferTrace{{Bytes: 10}})
	require.Len(t, *got, 1)

	f.Abort()
	assert.Equal(t, []transport.Handle{l.handle}, tr.aborted)

	// The transport ignores the abort and completes anyway.
	l.cb.OnProgress(models.TransferTrace{{Bytes: 20}})
	l.cb.OnSuccess(&models.Response{})
	l.cb.OnError(0, "", "boom")
	assert.Len(t, *got, 1, "nothing is published after abort")

	// A fresh load after the abort is delivered normally.
	req := models.NewRequest("http://cdn/v/4.m4s", models.Video)
	f.Load(req)
	tr.last(t).cb.OnSuccess(&models.Response{Request: req})
	require.Len(t, *got, 2)
	assert.Same(t, req, (*got)[1].(events.LoadingCompletedEvent).Request)
}

// slowTransport blocks in Load until released, like a transport that dials
// before returning a handle.
type slowTransport struct {
	fakeTransport
	entered chan struct{}
	release chan struct{}
}

func (t *slowTransport) Load(req *models.Request, cb transport.Callbacks) transport.Handle {
	close(t.entered)
	<-t.release
	return t.fakeTransport.Load(req, cb)
}

func TestAbort_WhileTransportIsStarting(t *testing.T) {
	bus := events.NewBus()
	got := recordAll(bus)
	tr := &slowTransport{entered: make(chan struct{}), release: make(chan struct{})}
	f := New(tr, bus, &mockLogger{})

	loaded := make(chan struct{})
	go func() {
		defer close(loaded)
		f.Load(models.NewRequest("http://cdn/v/5.m4s", models.Video))
	}()

	<-tr.entered
	f.Abort()
	assert.Empty(t, tr.aborted, "no handle exists yet")
	close(tr.release)
	<-loaded

	l := tr.last(t)
	tr.mu.Lock()
	assert.Equal(t, []transport.Handle{l.handle}, tr.aborted, "the late handle is cancelled")
	tr.mu.Unlock()
	assert.False(t, f.Active())

	l.cb.OnSuccess(&models.Response{})
	assert.Empty(t, *got)
}

func TestProbeExistence(t *testing.T) {
	t.Run("Nil Request", func(t *testing.T) {
		f, tr, got := newFetcher()
		f.ProbeExistence(nil)

		require.Len(t, *got, 1)
		probe := (*got)[0].(events.CheckForExistenceCompletedEvent)
		assert.False(t, probe.Exists)
		assert.Empty(t, tr.loads)
	})

	t.Run("Exists", func(t *testing.T) {
		f, tr, got := newFetcher()
		req := models.NewRequest("http://cdn/v/5.m4s", models.Video)
		f.ProbeExistence(req)

		l := tr.last(t)
		assert.Equal(t, models.KindProbe, l.req.Kind)
		assert.Equal(t, models.KindSegment, req.Kind, "caller's request is not mutated")
		l.cb.OnSuccess(&models.Response{})

		require.Len(t, *got, 1)
		probe := (*got)[0].(events.CheckForExistenceCompletedEvent)
		assert.True(t, probe.Exists)
		assert.Same(t, req, probe.Request)
	})

	t.Run("Missing", func(t *testing.T) {
		f, tr, got := newFetcher()
		f.ProbeExistence(models.NewRequest("http://cdn/v/6.m4s", models.Video))
		tr.last(t).cb.OnError(404, "Not Found", "missing")

		require.Len(t, *got, 1)
		assert.False(t, (*got)[0].(events.CheckForExistenceCompletedEvent).Exists)
	})
}

func TestReset(t *testing.T) {
	f, tr, got := newFetcher()

	f.Load(models.NewRequest("http://cdn/v/7.m4s", models.Video))
	l := tr.last(t)
	require.NoError(t, f.Err())

	f.Reset()
	assert.True(t, tr.closed)
	assert.Equal(t, []transport.Handle{l.handle}, tr.aborted)
	assert.ErrorIs(t, f.Err(), ErrFetcherReset)

	l.cb.OnSuccess(&models.Response{})
	f.Load(models.NewRequest("http://cdn/v/8.m4s", models.Video))
	f.ProbeExistence(models.NewRequest("http://cdn/v/8.m4s", models.Video))

	assert.Len(t, tr.loads, 1, "no transport calls after reset")
	assert.Empty(t, *got)
	assert.NotPanics(t, f.Reset)
}

// TestLoad_OverHTTP runs a fetcher against the real HTTP transport.
func TestLoad_OverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.m4s" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "segment data")
	}))
	defer server.Close()

	tr, err := transport.NewHTTP(transport.HTTPOptions{MaxRetries: 1}, &mockLogger{})
	require.NoError(t, err)

	bus := events.NewBus()
	completed := make(chan events.LoadingCompletedEvent, 2)
	bus.Subscribe(events.LoadingCompleted, func(e events.Event) {
		completed <- e.(events.LoadingCompletedEvent)
	})
	f := New(tr, bus, &mockLogger{})
	defer f.Reset()

	f.Load(models.NewRequest(server.URL+"/ok.m4s", models.Video))
	select {
	case e := <-completed:
		require.Nil(t, e.Error)
		assert.Equal(t, "segment data", string(e.Response.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("Test timed out waiting for load result")
	}

	f.Load(models.NewRequest(server.URL+"/missing.m4s", models.Video))
	select {
	case e := <-completed:
		require.NotNil(t, e.Error)
		assert.Equal(t, http.StatusNotFound, e.Error.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Test timed out waiting for load result")
	}
}
