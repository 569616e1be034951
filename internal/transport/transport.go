// Package transport moves bytes for a SegmentFetcher. It owns HTTP semantics,
// retries and timeouts; the fetcher only sees the three lifecycle callbacks.
package transport

import "dashabr/internal/models"

// Handle identifies one Load call so it can be aborted. The zero Handle is
// never returned by a successful Load.
type Handle uint64

// Callbacks are invoked by a transport while a transfer runs. A transport
// calls OnProgress zero or more times, then at most one of OnSuccess and
// OnError. Nothing is called after the transfer has been aborted.
type Callbacks struct {
	OnProgress func(trace models.TransferTrace)
	OnSuccess  func(resp *models.Response)
	OnError    func(status int, statusText, errorText string)
}

// Transport is the load/abort capability a fetcher is built on.
type Transport interface {
	Load(req *models.Request, cb Callbacks) Handle
	Abort(h Handle)
	Close() error
}
