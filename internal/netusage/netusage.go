// Package netusage tracks process-wide network byte counters.
// Every platform request/response and every multipart part feeds the
// meter; the heartbeat reports a snapshot and resets it.
package netusage

import "sync/atomic"

// Meter is a pair of monotonic byte counters shared by the platform
// client and the uploader. Construct one per process and pass it down;
// all methods are safe for concurrent use.
type Meter struct {
	uploadBytes   atomic.Int64
	downloadBytes atomic.Int64
}

// Usage is a point-in-time reading of the meter.
type Usage struct {
	UploadBytes   int64 `json:"upload_bytes"`
	DownloadBytes int64 `json:"download_bytes"`
}

func NewMeter() *Meter {
	return &Meter{}
}

// AddUpload records n bytes sent. Negative n is ignored.
func (m *Meter) AddUpload(n int64) {
	if n > 0 {
		m.uploadBytes.Add(n)
	}
}

// AddDownload records n bytes received. Negative n is ignored.
func (m *Meter) AddDownload(n int64) {
	if n > 0 {
		m.downloadBytes.Add(n)
	}
}

// Snapshot returns the current counter values.
func (m *Meter) Snapshot() Usage {
	return Usage{
		UploadBytes:   m.uploadBytes.Load(),
		DownloadBytes: m.downloadBytes.Load(),
	}
}

// Reset zeroes both counters. Called after a heartbeat reports the
// previous interval's usage.
func (m *Meter) Reset() {
	m.uploadBytes.Store(0)
	m.downloadBytes.Store(0)
}
