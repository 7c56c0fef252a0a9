/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package drift

import (
	"container/ring"
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// Sample is one drift measurement, recorded each time phase B or a
// steady-state iteration of phase C measures sys_ts - hw_ts.
type Sample struct {
	At      time.Time
	Seconds int64
}

// History is a fixed-size rolling window of recent drift samples, the same
// container/ring-backed shape facebook-time's PI servo filter uses for its
// offset/frequency samples, repurposed here for plain drift bookkeeping.
type History struct {
	mu  sync.Mutex
	buf *ring.Ring
	n   int
}

// NewHistory creates a History retaining the last size samples.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{buf: ring.New(size)}
}

// Record appends a drift sample, evicting the oldest once full.
func (h *History) Record(seconds int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Value = Sample{At: h.now(), Seconds: seconds}
	h.buf = h.buf.Next()
	if h.n < h.buf.Len() {
		h.n++
	}
}

// now stamps samples with the wall clock. It has no test seam: tests only
// ever assert on Seconds, never on wall-clock timestamps.
func (h *History) now() time.Time { return time.Now() }

// Snapshot returns the recorded samples, oldest first.
func (h *History) Snapshot() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Sample, 0, h.n)
	h.buf.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(Sample))
	})
	return out
}

// welfordOver feeds every currently-buffered sample into a fresh
// single-pass accumulator, the same mean/variance/stddev shape
// fbclock/daemon's Math helpers build over a window of offset samples.
func (h *History) welfordOver() *welford.Stats {
	s := welford.New()
	h.buf.Do(func(v any) {
		if v == nil {
			return
		}
		s.Add(float64(v.(Sample).Seconds))
	})
	return s
}

// MeanSeconds returns the mean of the currently-recorded drift window.
func (h *History) MeanSeconds() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.welfordOver().Mean()
}

// StddevSeconds returns the standard deviation of the currently-recorded
// drift window.
func (h *History) StddevSeconds() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.welfordOver().Stddev()
}
