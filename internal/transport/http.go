package transport

import (
	"context"
	"crypto/tls"
	"dashabr/internal/config"
	"dashabr/internal/logger"
	"dashabr/internal/models"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/quic-go/quic-go/http3"
)

const readChunkSize = 32 * 1024

// HTTPOptions configures an HTTP transport.
type HTTPOptions struct {
	Protocol              config.Protocol
	UserAgent             string
	RequestTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	MaxRetries            int
	RetryDelay            time.Duration
	// TLSConfig is used for every protocol; nil means the system defaults.
	TLSConfig *tls.Config
	// Clock stamps request, first-byte and chunk times. Defaults to the wall clock.
	Clock clock.Clock
}

// OptionsFromConfig builds HTTPOptions from the player configuration.
func OptionsFromConfig(cfg *config.PlayerConfig) HTTPOptions {
	return HTTPOptions{
		Protocol:              cfg.Transport.Protocol,
		UserAgent:             cfg.UserAgent,
		RequestTimeout:        cfg.Transport.RequestTimeout,
		ResponseHeaderTimeout: cfg.Transport.ResponseHeaderTimeout,
		MaxRetries:            cfg.Transport.MaxRetries,
		RetryDelay:            cfg.Transport.RetryDelay,
	}
}

// HTTP is a Transport backed by net/http, or by quic-go for HTTP/3.
type HTTP struct {
	httpClient *http.Client
	closer     func() error
	logger     logger.Logger
	opts       HTTPOptions
	clock      clock.Clock

	mutex    sync.Mutex
	inflight map[Handle]context.CancelFunc
	next     Handle
}

// NewHTTP creates a transport for the configured protocol.
func NewHTTP(opts HTTPOptions, log logger.Logger) (*HTTP, error) {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	t := &HTTP{
		logger:   log,
		opts:     opts,
		clock:    opts.Clock,
		inflight: make(map[Handle]context.CancelFunc),
	}

	switch opts.Protocol {
	case config.HTTP1, config.HTTP2, "":
		rt := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			TLSClientConfig:       opts.TLSConfig,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     opts.Protocol == config.HTTP2,
		}
		if opts.Protocol != config.HTTP2 {
			// A non-nil empty map disables the automatic HTTP/2 upgrade.
			rt.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		}
		t.httpClient = &http.Client{Transport: rt}
		t.closer = func() error {
			rt.CloseIdleConnections()
			return nil
		}
	case config.HTTP3:
		rt := &http3.Transport{TLSClientConfig: opts.TLSConfig}
		t.httpClient = &http.Client{Transport: rt}
		t.closer = rt.Close
	default:
		return nil, fmt.Errorf("unsupported transport protocol '%s'", opts.Protocol)
	}

	return t, nil
}

// HTTPClient returns the underlying http.Client instance.
func (t *HTTP) HTTPClient() *http.Client {
	return t.httpClient
}

// Load starts the transfer on its own goroutine and returns immediately.
func (t *HTTP) Load(req *models.Request, cb Callbacks) Handle {
	ctx, cancel := context.WithCancel(context.Background())

	t.mutex.Lock()
	t.next++
	h := t.next
	t.inflight[h] = cancel
	t.mutex.Unlock()

	go func() {
		defer t.finish(h)
		t.run(ctx, req, cb)
	}()

	return h
}

// Abort cancels the transfer. Unknown or finished handles are ignored.
func (t *HTTP) Abort(h Handle) {
	t.mutex.Lock()
	cancel, ok := t.inflight[h]
	delete(t.inflight, h)
	t.mutex.Unlock()

	if ok {
		t.logger.Debugf("Aborting transfer %d", h)
		cancel()
	}
}

// Close aborts every in-flight transfer and releases idle connections.
func (t *HTTP) Close() error {
	t.mutex.Lock()
	for h, cancel := range t.inflight {
		cancel()
		delete(t.inflight, h)
	}
	t.mutex.Unlock()
	return t.closer()
}

func (t *HTTP) finish(h Handle) {
	t.mutex.Lock()
	cancel, ok := t.inflight[h]
	delete(t.inflight, h)
	t.mutex.Unlock()
	if ok {
		cancel()
	}
}

// attemptError is a failed attempt, tagged with whether another try may help.
type attemptError struct {
	status    int
	err       error
	retryable bool
}

func (t *HTTP) run(ctx context.Context, req *models.Request, cb Callbacks) {
	var last *attemptError

	for attempt := 1; attempt <= t.opts.MaxRetries; attempt++ {
		t.logger.Debugf("Loading %s %s (Attempt %d/%d)", req.Kind, req.URL, attempt, t.opts.MaxRetries)

		resp, aerr := t.attempt(ctx, req, cb)
		if ctx.Err() != nil {
			// Aborted: the transfer ends silently.
			return
		}
		if aerr == nil {
			t.logger.Debugf("Loaded %s %s (%d bytes)", req.Kind, req.URL, resp.Trace.TotalBytes())
			if cb.OnSuccess != nil {
				cb.OnSuccess(resp)
			}
			return
		}

		last = aerr
		t.logger.Warnf("Load attempt %d for %s failed: %v", attempt, req.URL, aerr.err)
		if !aerr.retryable || attempt == t.opts.MaxRetries {
			break
		}

		timer := t.clock.Timer(t.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if cb.OnError != nil {
		statusText := ""
		if last.status != 0 {
			statusText = http.StatusText(last.status)
		}
		cb.OnError(last.status, statusText, last.err.Error())
	}
}

func (t *HTTP) attempt(parent context.Context, req *models.Request, cb Callbacks) (*models.Response, *attemptError) {
	// Per-attempt timeout; the parent context is only cancelled by Abort.
	ctx, cancel := context.WithTimeout(parent, t.opts.RequestTimeout)
	defer cancel()

	method := http.MethodGet
	if req.Kind == models.KindProbe {
		method = http.MethodHead
	}

	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = t.clock.Now()
		},
	}

	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, req.URL, nil)
	if err != nil {
		return nil, &attemptError{err: fmt.Errorf("failed to create request for %s: %w", req.URL, err)}
	}
	if t.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", t.opts.UserAgent)
	}
	if req.Range != nil {
		httpReq.Header.Set("Range", req.Range.Header())
	}

	requestTime := t.clock.Now()
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, &attemptError{err: err, retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &attemptError{
			status:    resp.StatusCode,
			err:       fmt.Errorf("received status code %d from %s", resp.StatusCode, req.URL),
			retryable: resp.StatusCode >= 500,
		}
	}
	if firstByte.IsZero() {
		firstByte = t.clock.Now()
	}

	out := &models.Response{
		Request:      req,
		RequestTime:  requestTime,
		ResponseTime: firstByte,
		StatusCode:   resp.StatusCode,
	}

	if method == http.MethodHead {
		out.EndTime = firstByte
		return out, nil
	}

	data, traced, err := t.readBody(resp.Body, firstByte, cb)
	if err != nil {
		return nil, &attemptError{
			status:    resp.StatusCode,
			err:       fmt.Errorf("failed while reading body of %s: %w", req.URL, err),
			retryable: !errors.Is(parent.Err(), context.Canceled),
		}
	}
	out.Data = data
	out.Trace = traced
	out.EndTime = t.clock.Now()
	return out, nil
}

// readBody reads r to the end, recording one trace chunk per read.
func (t *HTTP) readBody(r io.Reader, start time.Time, cb Callbacks) ([]byte, models.TransferTrace, error) {
	var (
		data  []byte
		trace models.TransferTrace
		buf   = make([]byte, readChunkSize)
		mark  = start
	)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			now := t.clock.Now()
			data = append(data, buf[:n]...)
			trace = append(trace, models.TraceChunk{Bytes: int64(n), Elapsed: now.Sub(mark)})
			mark = now
			if cb.OnProgress != nil {
				cb.OnProgress(append(models.TransferTrace(nil), trace...))
			}
		}
		if err == io.EOF {
			return data, trace, nil
		}
		if err != nil {
			return nil, nil, err
		}
	}
}
