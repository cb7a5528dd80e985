package ringbuffer

import (
	"errors"
	"sync"
	"time"
)

// DefaultCapacity is the number of samples retained when no capacity is configured
const DefaultCapacity = 100

// ErrOutOfOrderSample is returned when a sample does not advance the window's timestamp
var ErrOutOfOrderSample = errors.New("sample timestamp is not after the latest sample")

// Sample represents a single market observation for one symbol
type Sample struct {
	Timestamp    time.Time `json:"timestamp"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	CVD          float64   `json:"cvd"`
	OpenInterest float64   `json:"open_interest"`
	FundingRate  float64   `json:"funding_rate"`
}

// Window is a fixed-capacity circular buffer of samples in chronological order.
// Append is O(1); reads return copies so callers never observe later mutation.
type Window struct {
	samples  []Sample
	head     int // Write position (next insertion point)
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewWindow creates a window holding at most capacity samples
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Window{
		samples:  make([]Sample, capacity),
		capacity: capacity,
	}
}

// Append adds a sample at the tail, evicting the oldest one when full.
// A sample whose timestamp is not strictly after the tail is rejected and the window is left unchanged.
func (w *Window) Append(s Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 {
		last := w.samples[w.index(w.size-1)]
		if !s.Timestamp.After(last.Timestamp) {
			return ErrOutOfOrderSample
		}
	}

	w.samples[w.head] = s
	w.head = (w.head + 1) % w.capacity

	if w.size < w.capacity {
		w.size++
	}
	return nil
}

// index maps a chronological position (0 = oldest) onto the backing slice
func (w *Window) index(pos int) int {
	start := w.head - w.size
	if start < 0 {
		start += w.capacity
	}
	return (start + pos) % w.capacity
}

// Size returns the current number of samples
func (w *Window) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Capacity returns the maximum number of samples retained
func (w *Window) Capacity() int {
	return w.capacity
}

// Samples returns every retained sample, oldest first
func (w *Window) Samples() []Sample {
	return w.GetLast(w.capacity)
}

// GetLast returns the last N samples (most recent), oldest first
func (w *Window) GetLast(count int) []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if count <= 0 || w.size == 0 {
		return nil
	}
	if count > w.size {
		count = w.size
	}

	result := make([]Sample, count)
	offset := w.size - count
	for i := 0; i < count; i++ {
		result[i] = w.samples[w.index(offset+i)]
	}
	return result
}

// GetLatest returns the most recent sample
func (w *Window) GetLatest() *Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.size == 0 {
		return nil
	}
	s := w.samples[w.index(w.size-1)]
	return &s
}

// Clear resets the window
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.head = 0
	w.size = 0
}

// Closes extracts close prices in order
func Closes(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Close
	}
	return out
}

// OpenInterest extracts open interest values in order
func OpenInterest(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.OpenInterest
	}
	return out
}

// FundingRates extracts funding rates in order
func FundingRates(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.FundingRate
	}
	return out
}
