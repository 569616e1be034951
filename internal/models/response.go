package models

import "time"

// TraceChunk is one byte/time delta recorded by the transport while reading a body.
type TraceChunk struct {
	Bytes   int64
	Elapsed time.Duration
}

// TransferTrace is the ordered list of chunks recorded during one transfer.
type TransferTrace []TraceChunk

// TotalBytes sums the byte counts of every chunk.
func (t TransferTrace) TotalBytes() int64 {
	var total int64
	for _, c := range t {
		total += c.Bytes
	}
	return total
}

// TotalElapsed sums the elapsed time of every chunk.
func (t TransferTrace) TotalElapsed() time.Duration {
	var total time.Duration
	for _, c := range t {
		total += c.Elapsed
	}
	return total
}

// Response is the outcome of a completed (or partially completed) transfer.
type Response struct {
	Request *Request
	// RequestTime is when the request was issued.
	RequestTime time.Time
	// ResponseTime is when the first response byte arrived.
	ResponseTime time.Time
	// EndTime is when the body was fully read.
	EndTime    time.Time
	StatusCode int
	Data       []byte
	Trace      TransferTrace
}
