package session

import (
	"context"
	"dashabr/internal/cache"
	"dashabr/internal/config"
	"dashabr/internal/metrics"
	"dashabr/internal/models"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger is a no-op logger for testing purposes.
type mockLogger struct{}

func (m *mockLogger) Debugf(format string, v ...interface{}) {}
func (m *mockLogger) Infof(format string, v ...interface{})  {}
func (m *mockLogger) Warnf(format string, v ...interface{})  {}
func (m *mockLogger) Errorf(format string, v ...interface{}) {}

const manifest = `<?xml version="1.0" encoding="UTF-8"?>
<MPD type="static" mediaPresentationDuration="PT8S" minBufferTime="PT2S">
  <Period id="0">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" duration="2" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000"/>
    </AdaptationSet>
    <AdaptationSet contentType="audio" mimeType="audio/mp4">
      <SegmentTemplate timescale="1" duration="2" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number$.m4s"/>
      <Representation id="a1" bandwidth="64000"/>
    </AdaptationSet>
  </Period>
</MPD>`

type origin struct {
	server      *httptest.Server
	audioStatus int
	requests    atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	o := &origin{audioStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(manifest))
	})
	mux.HandleFunc("/{rep}/{file}", func(w http.ResponseWriter, r *http.Request) {
		o.requests.Add(1)
		if strings.HasPrefix(r.PathValue("rep"), "a") && o.audioStatus != http.StatusOK {
			w.WriteHeader(o.audioStatus)
			return
		}
		w.Write([]byte(strings.Repeat("x", 4096)))
	})
	o.server = httptest.NewServer(mux)
	t.Cleanup(o.server.Close)
	return o
}

func newSession(t *testing.T, o *origin, opts ...Option) *Session {
	t.Helper()
	cfg := config.Default()
	stream := config.Stream{Name: "Test", Id: "test", ManifestURL: o.server.URL + "/stream.mpd"}
	s, err := New(cfg, stream, &mockLogger{}, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRun_FeedsEstimatorPerMediaType(t *testing.T) {
	o := newOrigin(t)
	s := newSession(t, o)

	require.NoError(t, s.Run(context.Background(), 0))

	est := s.Estimator()
	assert.Equal(t, []models.MediaType{models.Audio, models.Video}, est.MediaTypes())
	assert.Len(t, est.Snapshot(models.Video).Throughput, 4, "8s at 2s per segment")
	assert.Len(t, est.Snapshot(models.Audio).Throughput, 4)
	assert.False(t, s.IsLive())
	assert.False(t, s.Playback().IsStalled())

	// 2 init + 8 media segments
	assert.Equal(t, int32(10), o.requests.Load())
	assert.Equal(t, 5.0, testutil.ToFloat64(s.Metrics().Completed(models.Video, metrics.OutcomeSuccess)))
}

func TestRun_CachesInitSegments(t *testing.T) {
	o := newOrigin(t)
	c, err := cache.New(&mockLogger{}, 8)
	require.NoError(t, err)

	first := newSession(t, o, WithCache(c))
	require.NoError(t, first.Run(context.Background(), 1))
	assert.True(t, c.Contains(cache.Key("test", "v1")))
	assert.True(t, c.Contains(cache.Key("test", "a1")))
	assert.Equal(t, int32(4), o.requests.Load())

	second := newSession(t, o, WithCache(c))
	require.NoError(t, second.Run(context.Background(), 1))
	assert.Equal(t, int32(6), o.requests.Load(), "init segments come from the cache")
}

func TestRun_FailuresStallPlayback(t *testing.T) {
	o := newOrigin(t)
	o.audioStatus = http.StatusNotFound
	s := newSession(t, o)

	require.NoError(t, s.Run(context.Background(), 2))

	assert.True(t, s.Playback().IsStalled())
	assert.Empty(t, s.Estimator().Snapshot(models.Audio).Throughput)
	assert.Len(t, s.Estimator().Snapshot(models.Video).Throughput, 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(s.Metrics().Completed(models.Audio, metrics.OutcomeFailure)))
}

func TestRun_ManifestErrors(t *testing.T) {
	o := newOrigin(t)
	s := newSession(t, o)
	s.Stream.ManifestURL = o.server.URL + "/missing.mpd"

	err := s.Run(context.Background(), 1)
	assert.ErrorContains(t, err, "failed to perform initial MPD fetch")
}

func TestRun_CancelledContext(t *testing.T) {
	o := newOrigin(t)
	s := newSession(t, o)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Run(ctx, 1))
}

func TestProbe(t *testing.T) {
	o := newOrigin(t)
	s := newSession(t, o)

	found, err := s.Probe(context.Background(), []string{
		o.server.URL + "/v1/1.m4s",
		o.server.URL + "/nowhere",
	})
	require.NoError(t, err)
	assert.True(t, found[o.server.URL+"/v1/1.m4s"])
	assert.False(t, found[o.server.URL+"/nowhere"])
}

const liveManifest = `<MPD type="dynamic" availabilityStartTime="2024-01-01T00:00:00Z">
  <Period id="0" start="PT0S">
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" duration="2" startNumber="1" media="$RepresentationID$/$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestRun_LiveStartsBehindEdge(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("GET /live.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(liveManifest))
	})
	mux.HandleFunc("/v1/{file}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Write([]byte(strings.Repeat("x", 1024)))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC))

	stream := config.Stream{Id: "live", ManifestURL: server.URL + "/live.mpd"}
	s, err := New(config.Default(), stream, &mockLogger{}, WithClock(mock))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(context.Background(), 2))
	assert.True(t, s.IsLive())
	assert.Equal(t, []string{"/v1/25.m4s", "/v1/26.m4s"}, paths)
	assert.Len(t, s.Estimator().Snapshot(models.Video).Throughput, 2)
}

func TestRun_DynamicManifestSwitchesExportedWindow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /live.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(liveManifest))
	})
	mux.HandleFunc("/v1/{file}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC))

	// Not flagged live in the catalog; only the manifest says so.
	stream := config.Stream{Id: "live", ManifestURL: server.URL + "/live.mpd"}
	s, err := New(config.Default(), stream, &mockLogger{}, WithClock(mock))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(context.Background(), 1))
	require.True(t, s.IsLive())

	// One fast sample followed by three slow ones: the live window (3)
	// averages 1 kbit/s while the on-demand window reaches the fast one.
	push := func(bytes int64) {
		s.Estimator().Push(models.Video, &models.Response{
			Trace: models.TransferTrace{{Bytes: bytes, Elapsed: time.Second}},
		}, true)
	}
	push(1250)
	push(125)
	push(125)
	push(125)
	require.Equal(t, 1.0, s.Estimator().AverageThroughput(models.Video, true))
	require.Greater(t, s.Estimator().AverageThroughput(models.Video, false), 1.0)

	expected := `
# HELP dashabr_estimate_throughput_kbps Windowed average throughput; kind=safe applies the bandwidth safety factor.
# TYPE dashabr_estimate_throughput_kbps gauge
dashabr_estimate_throughput_kbps{kind="average",media_type="video"} 1
dashabr_estimate_throughput_kbps{kind="safe",media_type="video"} 0.9
`
	assert.NoError(t, testutil.GatherAndCompare(s.Metrics().Registry(), strings.NewReader(expected), "dashabr_estimate_throughput_kbps"))
}
