// Package filter implements the two-stage sensor filter pipeline:
// a median filter that rejects single-sample spikes followed by a
// moving-average filter that smooths the median output.
package filter

import "sort"

// Median is a fixed-window median filter. The window size should be odd
// (3 or 5) so the median is a real sample and not an interpolation.
type Median struct {
	buf   []float32
	size  int
	index int
	count int
}

// NewMedian creates a median filter with the given window size.
// Even sizes are bumped to the next odd size; the minimum is 3.
func NewMedian(size int) *Median {
	if size < 3 {
		size = 3
	}
	if size%2 == 0 {
		size++
	}
	return &Median{
		buf:  make([]float32, size),
		size: size,
	}
}

// Update adds a sample and returns the median of the samples collected
// so far. The very first sample is returned unchanged.
func (m *Median) Update(value float32) float32 {
	m.buf[m.index] = value
	m.index = (m.index + 1) % m.size
	if m.count < m.size {
		m.count++
	}

	sorted := make([]float32, m.count)
	copy(sorted, m.buf[:m.count])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[m.count/2]
}

// Reset clears all collected samples.
func (m *Median) Reset() {
	m.index = 0
	m.count = 0
}

// Count returns the number of samples currently in the window.
func (m *Median) Count() int {
	return m.count
}

// MovingAvg is a fixed-window moving-average filter with an O(1) update.
// Invariant: sum always equals the sum of the samples in the buffer.
type MovingAvg struct {
	buf   []float32
	size  int
	index int
	count int
	sum   float32
}

// NewMovingAvg creates a moving-average filter with the given window size
// (minimum 1).
func NewMovingAvg(size int) *MovingAvg {
	if size < 1 {
		size = 1
	}
	return &MovingAvg{
		buf:  make([]float32, size),
		size: size,
	}
}

// Update adds a sample and returns the average of the samples collected
// so far. The very first sample is returned unchanged, so the filter has
// no startup bias toward zero.
func (m *MovingAvg) Update(value float32) float32 {
	if m.count == m.size {
		m.sum -= m.buf[m.index]
	} else {
		m.count++
	}
	m.buf[m.index] = value
	m.sum += value
	m.index = (m.index + 1) % m.size

	return m.sum / float32(m.count)
}

// Reset clears all collected samples and the running sum.
func (m *MovingAvg) Reset() {
	m.index = 0
	m.count = 0
	m.sum = 0
}

// Count returns the number of samples currently in the window.
func (m *MovingAvg) Count() int {
	return m.count
}

// Chain is the two-stage pipeline used for every filtered sensor channel:
// median first, moving average second.
type Chain struct {
	median *Median
	avg    *MovingAvg
}

// NewChain creates a two-stage filter with the given window sizes.
func NewChain(medianSize, avgSize int) *Chain {
	return &Chain{
		median: NewMedian(medianSize),
		avg:    NewMovingAvg(avgSize),
	}
}

// Update runs a sample through both stages and returns the result.
func (c *Chain) Update(value float32) float32 {
	return c.avg.Update(c.median.Update(value))
}

// Reset clears both stages.
func (c *Chain) Reset() {
	c.median.Reset()
	c.avg.Reset()
}
