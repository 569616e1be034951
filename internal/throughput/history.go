// Package throughput keeps per-media-type throughput and latency histories and
// derives the smoothed estimates a bitrate controller reads.
//
// Throughput is reported in bits per millisecond, which is kbit/s. Latency is
// in milliseconds. A media type without samples yields NaN.
package throughput

import (
	"dashabr/internal/config"
	"dashabr/internal/models"
	"math"
	"sort"
	"sync"
)

const (
	maxMeasurementsToKeep             = 20
	averageThroughputSampleAmountLive = 3
	averageThroughputSampleAmountVOD  = 4
	averageLatencySampleAmount        = 4
	throughputDecreaseScale           = 1.3
	throughputIncreaseScale           = 1.3
)

// Sample is one completed transfer: Bits moved over Ms milliseconds. Ms is never 0.
type Sample struct {
	Bits int64
	Ms   int64
}

// rate is the sample's own throughput in bits per millisecond.
func (s Sample) rate() float64 {
	return float64(s.Bits) / float64(s.Ms)
}

// Snapshot is a copy of the histories for one media type, oldest first.
type Snapshot struct {
	Throughput []Sample
	Latency    []int64
}

// Estimator holds the histories of one stream session.
type Estimator struct {
	cfg *config.PlayerConfig

	mutex      sync.RWMutex
	throughput map[models.MediaType][]Sample
	latency    map[models.MediaType][]int64
}

// New creates an empty estimator. The safety factor is read from cfg on every
// query, so later changes to cfg take effect.
func New(cfg *config.PlayerConfig) *Estimator {
	e := &Estimator{cfg: cfg}
	e.Reset()
	return e
}

// Push records a completed transfer for mediaType. Responses without a trace
// contribute nothing. With useDeadTimeOnly the time to first byte is left out
// of the throughput sample.
func (e *Estimator) Push(mediaType models.MediaType, resp *models.Response, useDeadTimeOnly bool) {
	if resp == nil || len(resp.Trace) == 0 {
		return
	}

	latencyMs := max(1, resp.ResponseTime.Sub(resp.RequestTime).Milliseconds())
	downloadMs := max(1, resp.Trace.TotalElapsed().Milliseconds())
	downloadBits := 8 * resp.Trace.TotalBytes()

	measuredMs := latencyMs + downloadMs
	if useDeadTimeOnly {
		measuredMs = downloadMs
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.throughput[mediaType] = appendBounded(e.throughput[mediaType], Sample{Bits: downloadBits, Ms: measuredMs})
	e.latency[mediaType] = appendBounded(e.latency[mediaType], latencyMs)
}

// appendBounded appends v and drops the oldest entries beyond the history size.
func appendBounded[T any](history []T, v T) []T {
	history = append(history, v)
	if over := len(history) - maxMeasurementsToKeep; over > 0 {
		// Copy into a fresh slice so the backing array does not grow forever.
		history = append(make([]T, 0, maxMeasurementsToKeep), history[over:]...)
	}
	return history
}

// AverageThroughput returns the windowed average throughput for mediaType in
// kbit/s, or NaN when there are no samples.
func (e *Estimator) AverageThroughput(mediaType models.MediaType, isLive bool) float64 {
	e.mutex.RLock()
	samples := throughputWindow(e.throughput[mediaType], isLive)
	e.mutex.RUnlock()

	if len(samples) == 0 {
		return math.NaN()
	}

	var bits, ms int64
	for _, s := range samples {
		bits += s.Bits
		ms += s.Ms
	}
	return float64(bits) / float64(ms)
}

// SafeAverageThroughput is AverageThroughput scaled by the configured
// bandwidth safety factor. This is the value rate selection should use.
func (e *Estimator) SafeAverageThroughput(mediaType models.MediaType, isLive bool) float64 {
	return e.AverageThroughput(mediaType, isLive) * e.cfg.BandwidthSafetyFactor
}

// AverageLatency returns the mean of the most recent latency samples for
// mediaType in milliseconds, or NaN when there are none.
func (e *Estimator) AverageLatency(mediaType models.MediaType) float64 {
	e.mutex.RLock()
	history := e.latency[mediaType]
	n := min(averageLatencySampleAmount, len(history))
	samples := history[len(history)-n:]

	var total int64
	for _, l := range samples {
		total += l
	}
	e.mutex.RUnlock()

	if n == 0 {
		return math.NaN()
	}
	return float64(total) / float64(n)
}

// throughputWindow picks the most recent samples to average. The base window
// grows by one older sample for every adjacent pair, newest first, whose
// per-sample throughput differs by the increase or decrease scale, and never
// beyond the history length.
func throughputWindow(history []Sample, isLive bool) []Sample {
	size := averageThroughputSampleAmountVOD
	if isLive {
		size = averageThroughputSampleAmountLive
	}

	n := len(history)
	if size >= n {
		return history
	}

	for i := 1; i < size && size < n; i++ {
		ratio := history[n-i].rate() / history[n-i-1].rate()
		if ratio >= throughputIncreaseScale || ratio <= 1/throughputDecreaseScale {
			size++
		}
	}

	return history[n-size:]
}

// Snapshot copies the histories for mediaType.
func (e *Estimator) Snapshot(mediaType models.MediaType) Snapshot {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return Snapshot{
		Throughput: append([]Sample(nil), e.throughput[mediaType]...),
		Latency:    append([]int64(nil), e.latency[mediaType]...),
	}
}

// MediaTypes lists every media type with at least one sample, sorted.
func (e *Estimator) MediaTypes() []models.MediaType {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	types := make([]models.MediaType, 0, len(e.throughput))
	for t := range e.throughput {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Reset discards every history. Configuration is kept.
func (e *Estimator) Reset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.throughput = make(map[models.MediaType][]Sample)
	e.latency = make(map[models.MediaType][]int64)
}

// Estimate is a JSON-friendly view of the current estimates for one media
// type. Nil fields mean there is no data yet.
type Estimate struct {
	MediaType   models.MediaType `json:"mediaType"`
	Live        bool             `json:"live"`
	AverageKbps *float64         `json:"averageKbps"`
	SafeKbps    *float64         `json:"safeKbps"`
	LatencyMs   *float64         `json:"latencyMs"`
	Samples     int              `json:"samples"`
}

// Estimate collects the estimates for mediaType.
func (e *Estimator) Estimate(mediaType models.MediaType, isLive bool) Estimate {
	e.mutex.RLock()
	samples := len(e.throughput[mediaType])
	e.mutex.RUnlock()

	return Estimate{
		MediaType:   mediaType,
		Live:        isLive,
		AverageKbps: finite(e.AverageThroughput(mediaType, isLive)),
		SafeKbps:    finite(e.SafeAverageThroughput(mediaType, isLive)),
		LatencyMs:   finite(e.AverageLatency(mediaType)),
		Samples:     samples,
	}
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
