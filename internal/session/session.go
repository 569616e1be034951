// Package session runs one stream through the fetch and estimation pipeline:
// it reads the manifest, downloads segments for every media type concurrently
// and feeds each completed transfer into the throughput estimator.
package session

import (
	"context"
	"dashabr/internal/cache"
	"dashabr/internal/config"
	"dashabr/internal/dash"
	"dashabr/internal/events"
	"dashabr/internal/fetcher"
	"dashabr/internal/logger"
	"dashabr/internal/metrics"
	"dashabr/internal/models"
	"dashabr/internal/playback"
	"dashabr/internal/throughput"
	"dashabr/internal/transport"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TransportFactory builds the transport for one fetcher.
type TransportFactory func() (transport.Transport, error)

// Session holds all context for a single stream.
type Session struct {
	ID     string
	Stream config.Stream

	cfg       *config.PlayerConfig
	logger    logger.Logger
	bus       *events.Bus
	estimator *throughput.Estimator
	metrics   *metrics.Metrics
	segCache  *cache.SegmentCache
	stall     *playback.StallTracker
	clock     clock.Clock

	newTransport TransportFactory
	unsubscribe  []func()

	mutex   sync.Mutex
	waiters map[string]chan events.LoadingCompletedEvent // keyed by fetcher ID
	probes  map[string]chan bool                         // keyed by request ID
	live    bool
}

// Option customizes a Session.
type Option func(*Session)

// WithTransportFactory replaces the HTTP transport built from the configuration.
func WithTransportFactory(f TransportFactory) Option {
	return func(s *Session) { s.newTransport = f }
}

// WithCache shares an init segment cache between sessions.
func WithCache(c *cache.SegmentCache) Option {
	return func(s *Session) { s.segCache = c }
}

// WithClock sets the clock used for the live edge and the playback surface.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithStallTracker sets the playback surface driven by fetch outcomes.
func WithStallTracker(t *playback.StallTracker) Option {
	return func(s *Session) { s.stall = t }
}

// New creates a session for stream. Nothing is fetched until Run or Probe.
func New(cfg *config.PlayerConfig, stream config.Stream, log logger.Logger, opts ...Option) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		Stream:    stream,
		cfg:       cfg,
		logger:    log,
		bus:       events.NewBus(),
		estimator: throughput.New(cfg),
		waiters:   make(map[string]chan events.LoadingCompletedEvent),
		probes:    make(map[string]chan bool),
		live:      stream.Live,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.newTransport == nil {
		httpOpts := transport.OptionsFromConfig(cfg)
		s.newTransport = func() (transport.Transport, error) {
			return transport.NewHTTP(httpOpts, log)
		}
	}
	if s.segCache == nil {
		c, err := cache.New(log, cfg.InitCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create init segment cache: %w", err)
		}
		s.segCache = c
	}
	if s.stall == nil {
		s.stall = playback.NewStallTracker(s.clock)
	}
	s.metrics = metrics.New(s.estimator, s.IsLive)

	s.unsubscribe = append(s.unsubscribe,
		s.bus.Subscribe(events.LoadingCompleted, s.onLoadingCompleted),
		s.bus.Subscribe(events.CheckForExistenceCompleted, s.onExistence),
	)
	return s, nil
}

// Estimator returns the session's throughput estimator.
func (s *Session) Estimator() *throughput.Estimator {
	return s.estimator
}

// Metrics returns the session's metrics registry.
func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics
}

// Playback returns the surface whose stall state follows fetch outcomes.
func (s *Session) Playback() playback.Surface {
	return s.stall
}

// IsLive reports whether estimates use the live window. It follows the
// manifest type once Run has read it.
func (s *Session) IsLive() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.live
}

// Close releases the bus subscriptions.
func (s *Session) Close() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.bus.Reset()
}

// Run fetches the manifest and downloads up to limit media segments per media
// type, one media type per goroutine. Segment failures are logged and skipped;
// Run fails only when the manifest cannot be used or ctx is cancelled.
func (s *Session) Run(ctx context.Context, limit int) error {
	manifestTransport, err := s.newTransport()
	if err != nil {
		return fmt.Errorf("failed to create manifest transport: %w", err)
	}
	defer manifestTransport.Close()

	var httpClient *http.Client
	if h, ok := manifestTransport.(interface{ HTTPClient() *http.Client }); ok {
		httpClient = h.HTTPClient()
	}
	client := dash.NewClient(httpClient, s.cfg.UserAgent, s.logger)

	mpd, finalURL, err := client.FetchAndParseMPD(ctx, s.Stream.ManifestURL)
	if err != nil {
		return fmt.Errorf("failed to perform initial MPD fetch for stream '%s': %w", s.Stream.Id, err)
	}
	s.mutex.Lock()
	s.live = s.Stream.Live || mpd.IsLive()
	s.mutex.Unlock()

	tracks, err := dash.SelectTracks(finalURL, mpd)
	if err != nil {
		return fmt.Errorf("failed to select tracks for stream '%s': %w", s.Stream.Id, err)
	}
	if len(tracks) == 0 {
		return fmt.Errorf("no usable adaptation sets in stream '%s'", s.Stream.Id)
	}
	if mpd.IsLive() {
		edge, err := mpd.LiveEdge(s.clock.Now())
		if err != nil {
			return fmt.Errorf("failed to locate live edge for stream '%s': %w", s.Stream.Id, err)
		}
		for _, track := range tracks {
			track.LiveEdge = edge
		}
	}

	s.logger.Infof("Session %s: running %d tracks for stream %s", s.ID, len(tracks), s.Stream.Id)
	g, gctx := errgroup.WithContext(ctx)
	for _, track := range tracks {
		g.Go(func() error {
			return s.runTrack(gctx, track, limit)
		})
	}
	return g.Wait()
}

func (s *Session) runTrack(ctx context.Context, track *dash.Track, limit int) error {
	t, err := s.newTransport()
	if err != nil {
		return fmt.Errorf("failed to create %s transport: %w", track.MediaType, err)
	}
	log := s.logger
	if l, ok := log.(interface{ With(...any) logger.Logger }); ok {
		log = l.With("mediaType", string(track.MediaType), "session", s.ID)
	}
	f := fetcher.New(t, s.bus, log)
	defer f.Reset()

	done := make(chan events.LoadingCompletedEvent, 1)
	s.mutex.Lock()
	s.waiters[f.ID()] = done
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		delete(s.waiters, f.ID())
		s.mutex.Unlock()
	}()

	initReq, err := track.InitRequest()
	if err != nil {
		return err
	}
	if initReq != nil {
		key := cache.Key(s.Stream.Id, track.Rep.ID)
		if s.segCache.Contains(key) {
			log.Debugf("Init segment for rep %s already in cache.", track.Rep.ID)
		} else if e, err := s.load(ctx, f, done, initReq); err != nil {
			return err
		} else if e.Failed() {
			log.Warnf("Init segment for rep %s failed: %v", track.Rep.ID, e.Error)
		}
	}

	requests, err := track.SegmentRequests(limit)
	if err != nil {
		return fmt.Errorf("failed to build %s segment requests: %w", track.MediaType, err)
	}
	for _, req := range requests {
		e, err := s.load(ctx, f, done, req)
		if err != nil {
			return err
		}
		if e.Failed() {
			log.Warnf("Segment %s failed: %v", req.URL, e.Error)
		}
	}
	log.Infof("Session %s: %s track done after %d segments", s.ID, track.MediaType, len(requests))
	return nil
}

// load issues one request and waits for its terminal event. The next request
// is only issued from here, never from a bus handler.
func (s *Session) load(ctx context.Context, f *fetcher.SegmentFetcher, done <-chan events.LoadingCompletedEvent, req *models.Request) (events.LoadingCompletedEvent, error) {
	f.Load(req)
	select {
	case e := <-done:
		return e, nil
	case <-ctx.Done():
		f.Abort()
		return events.LoadingCompletedEvent{}, ctx.Err()
	}
}

func (s *Session) onLoadingCompleted(ev events.Event) {
	e := ev.(events.LoadingCompletedEvent)
	s.metrics.Observe(e)

	if e.Request != nil {
		mediaType := e.Request.MediaType
		if e.Failed() {
			s.stall.SetStallState(mediaType, true)
		} else {
			switch e.Request.Kind {
			case models.KindSegment:
				s.estimator.Push(mediaType, e.Response, s.cfg.UseDeadTimeLatency)
			case models.KindInit:
				s.segCache.Set(cache.Key(s.Stream.Id, e.Request.RepID), e.Response.Data)
			}
			s.stall.SetStallState(mediaType, false)
		}
	}

	if e.Sender == nil {
		return
	}
	s.mutex.Lock()
	done, ok := s.waiters[e.Sender.ID()]
	s.mutex.Unlock()
	if ok {
		select {
		case done <- e:
		default:
			s.logger.Warnf("Dropped unexpected completion from fetcher %s", e.Sender.ID())
		}
	}
}

// ErrProbeCancelled is returned by Probe when ctx ends before every probe
// has completed.
var ErrProbeCancelled = errors.New("probe cancelled")

// Probe checks whether each URL exists without downloading it.
func (s *Session) Probe(ctx context.Context, urls []string) (map[string]bool, error) {
	t, err := s.newTransport()
	if err != nil {
		return nil, fmt.Errorf("failed to create probe transport: %w", err)
	}
	f := fetcher.New(t, s.bus, s.logger)
	defer f.Reset()

	results := make(map[string]chan bool, len(urls))
	requests := make([]*models.Request, 0, len(urls))
	s.mutex.Lock()
	for _, u := range urls {
		req := models.NewRequest(u, models.Video)
		result := make(chan bool, 1)
		s.probes[req.ID] = result
		results[u] = result
		requests = append(requests, req)
	}
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		for _, req := range requests {
			delete(s.probes, req.ID)
		}
		s.mutex.Unlock()
	}()

	for _, req := range requests {
		f.ProbeExistence(req)
	}

	found := make(map[string]bool, len(urls))
	for u, result := range results {
		select {
		case exists := <-result:
			found[u] = exists
		case <-ctx.Done():
			f.Abort()
			return found, fmt.Errorf("%w: %w", ErrProbeCancelled, ctx.Err())
		}
	}
	return found, nil
}

func (s *Session) onExistence(ev events.Event) {
	e := ev.(events.CheckForExistenceCompletedEvent)
	if e.Request == nil {
		return
	}
	s.mutex.Lock()
	result, ok := s.probes[e.Request.ID]
	s.mutex.Unlock()
	if ok {
		select {
		case result <- e.Exists:
		default:
		}
	}
}
