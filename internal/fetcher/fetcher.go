// Package fetcher issues single segment transfers and turns transport
// callbacks into events on the session bus.
//
// For one Load the bus sees LoadingProgress zero or more times followed by
// exactly one LoadingCompleted, unless Abort or Reset intervenes, in which case
// the sequence may stop without a terminal event.
package fetcher

import (
	"dashabr/internal/events"
	"dashabr/internal/logger"
	"dashabr/internal/models"
	"dashabr/internal/transport"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrFetcherReset is reported when a fetcher is used after Reset.
var ErrFetcherReset = errors.New("fetcher has been reset")

// transfer is one Load or ProbeExistence call.
type transfer struct {
	epoch  uint64
	handle transport.Handle
	done   atomic.Bool
}

// SegmentFetcher owns a transport and publishes the outcome of every transfer
// it starts on the session bus.
type SegmentFetcher struct {
	id     string
	bus    *events.Bus
	logger logger.Logger

	mutex     sync.Mutex
	transport transport.Transport
	inflight  map[*transfer]struct{}

	// epoch is bumped by Abort; callbacks from an older epoch are dropped.
	epoch atomic.Uint64
	// deliver serializes callback delivery across transport goroutines.
	deliver sync.Mutex
}

// New creates a fetcher bound to t. The fetcher takes ownership of t and
// closes it on Reset.
func New(t transport.Transport, bus *events.Bus, log logger.Logger) *SegmentFetcher {
	return &SegmentFetcher{
		id:        uuid.NewString(),
		bus:       bus,
		logger:    log,
		transport: t,
		inflight:  make(map[*transfer]struct{}),
	}
}

// ID identifies the fetcher as the sender of terminal events.
func (f *SegmentFetcher) ID() string {
	return f.id
}

// Err returns ErrFetcherReset once the fetcher has been reset.
func (f *SegmentFetcher) Err() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.transport == nil {
		return ErrFetcherReset
	}
	return nil
}

// Active reports whether any transfer is outstanding.
func (f *SegmentFetcher) Active() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.inflight) > 0
}

// ProbeExistence checks whether req exists with a header-only request and
// publishes CheckForExistenceCompleted. Any failure is reported as false.
func (f *SegmentFetcher) ProbeExistence(req *models.Request) {
	report := func(exists bool) {
		f.bus.Publish(events.CheckForExistenceCompletedEvent{Request: req, Exists: exists})
	}

	if req == nil {
		report(false)
		return
	}

	f.start(req.AsProbe(), func(tr *transfer) transport.Callbacks {
		return transport.Callbacks{
			OnSuccess: func(*models.Response) {
				f.terminal(tr, func() { report(true) })
			},
			OnError: func(status int, statusText, errorText string) {
				f.logger.Debugf("Existence probe for %s failed: %d %s", req.URL, status, errorText)
				f.terminal(tr, func() { report(false) })
			},
		}
	})
}

// Load starts the transfer for req. A nil request is reported synchronously as
// a NullRequest failure without touching the transport.
func (f *SegmentFetcher) Load(req *models.Request) {
	report := func(resp *models.Response, err *models.FetchError) {
		f.bus.Publish(events.LoadingCompletedEvent{
			Request:  req,
			Response: resp,
			Error:    err,
			Sender:   f,
		})
	}

	if req == nil {
		f.logger.Warnf("Load called without a request")
		report(nil, models.NewNullRequestError())
		return
	}

	f.start(req, func(tr *transfer) transport.Callbacks {
		return transport.Callbacks{
			OnProgress: func(trace models.TransferTrace) {
				f.progress(tr, func() {
					f.bus.Publish(events.LoadingProgressEvent{
						Request:  req,
						Response: &models.Response{Request: req, Trace: trace},
					})
				})
			},
			OnSuccess: func(resp *models.Response) {
				f.terminal(tr, func() { report(resp, nil) })
			},
			OnError: func(status int, statusText, errorText string) {
				f.logger.Warnf("Loading %s failed: %d %s", req.URL, status, errorText)
				f.terminal(tr, func() {
					report(nil, models.NewLoadingFailure(status, statusText, errorText))
				})
			},
		}
	})
}

// start registers a transfer and hands it to the transport. The transport is
// called without the lock held so it may complete synchronously.
func (f *SegmentFetcher) start(req *models.Request, callbacks func(*transfer) transport.Callbacks) {
	f.mutex.Lock()
	t := f.transport
	if t == nil {
		f.mutex.Unlock()
		f.logger.Warnf("Ignoring %s request for %s: %v", req.Kind, req.URL, ErrFetcherReset)
		return
	}
	tr := &transfer{epoch: f.epoch.Load()}
	f.inflight[tr] = struct{}{}
	f.mutex.Unlock()

	f.logger.Debugf("Fetcher %s loading %s %s", f.id, req.Kind, req.URL)
	h := t.Load(req, callbacks(tr))

	f.mutex.Lock()
	_, ok := f.inflight[tr]
	if ok {
		tr.handle = h
	}
	f.mutex.Unlock()

	// Abort ran while the transport was starting and never saw the handle.
	if !ok && !tr.done.Load() {
		t.Abort(h)
	}
}

// current reports whether callbacks for tr may still be delivered.
func (f *SegmentFetcher) current(tr *transfer) bool {
	return !tr.done.Load() && tr.epoch == f.epoch.Load()
}

func (f *SegmentFetcher) progress(tr *transfer, publish func()) {
	f.deliver.Lock()
	defer f.deliver.Unlock()
	if f.current(tr) {
		publish()
	}
}

func (f *SegmentFetcher) terminal(tr *transfer, publish func()) {
	f.deliver.Lock()
	ok := f.current(tr) && tr.done.CompareAndSwap(false, true)
	if ok {
		publish()
	}
	f.deliver.Unlock()

	f.mutex.Lock()
	delete(f.inflight, tr)
	f.mutex.Unlock()
}

// Abort cancels every outstanding transfer. It is safe to call at any time,
// including from an event handler, and never publishes anything. Callbacks
// that arrive after it returns are dropped; a publish already running on
// another goroutine is not waited for.
func (f *SegmentFetcher) Abort() {
	f.epoch.Add(1)

	f.mutex.Lock()
	t := f.transport
	handles := make([]transport.Handle, 0, len(f.inflight))
	for tr := range f.inflight {
		if tr.handle != 0 {
			handles = append(handles, tr.handle)
		}
		delete(f.inflight, tr)
	}
	f.mutex.Unlock()

	if t == nil {
		return
	}
	for _, h := range handles {
		t.Abort(h)
	}
	if len(handles) > 0 {
		f.logger.Debugf("Fetcher %s aborted %d transfer(s)", f.id, len(handles))
	}
}

// Reset aborts any transfer and releases the transport. The fetcher cannot be
// used afterwards.
func (f *SegmentFetcher) Reset() {
	f.Abort()

	f.mutex.Lock()
	t := f.transport
	f.transport = nil
	f.mutex.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			f.logger.Warnf("Failed to close transport for fetcher %s: %v", f.id, err)
		}
	}
}
