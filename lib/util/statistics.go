// Package util
//
// This file implements cheap statistics used by the storage engines to
// describe their content in GetInfo without a full scan: a value size
// histogram with exponential buckets and a spread measure for the number of
// entries per tree.
package util

import (
	"math"
	"sync"
)

// ----------------------------------------------------------------------------
// Distribution statistics
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, standard deviation, minimum and maximum of values
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	min, max := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	mean := sum / float64(len(values))

	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	minMaxRatio := 1.0
	if max > 0 {
		minMaxRatio = min / max
	}

	return Stats{
		StdDeviation: math.Sqrt(sumSquaredDiffs / float64(len(values))),
		Min:          min,
		Max:          max,
		Mean:         mean,
		MinMaxRatio:  minMaxRatio,
	}
}

// DistributionStats describes how evenly entries are spread over trees
type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality"` // 1 = perfectly even
}

// NewDistributionStats computes quality metrics for a distribution of sizes
func NewDistributionStats(sizes []float64) DistributionStats {
	stats := NewStats(sizes)

	// coefficient of variation
	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries are the upper bounds of the histogram buckets (16B to 4GB)
var sizeBoundaries = []int{
	16, 64, 256, 1024, 4096,
	16384, 65536, 262144, 1048576,
	4194304, 16777216, 67108864,
	268435456, 1073741824, 4294967296,
}

// SizeHistogram tracks the distribution of value sizes in exponential buckets
//
// Thread-safe: all methods are safe for concurrent use
type SizeHistogram struct {
	mutex   sync.RWMutex
	buckets []int64 // one bucket per boundary plus one for larger values
	count   int64
	sum     int64
}

// NewSizeHistogram creates an empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		buckets: make([]int64, len(sizeBoundaries)+1),
	}
}

// AddSample adds a size sample to the histogram
func (h *SizeHistogram) AddSample(size int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	bucketIndex := len(sizeBoundaries)
	for i, boundary := range sizeBoundaries {
		if size <= boundary {
			bucketIndex = i
			break
		}
	}

	h.buckets[bucketIndex]++
	h.count++
	h.sum += int64(size)
}

// Count returns the total number of samples
func (h *SizeHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the average size across all samples
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// Percentile estimates the given percentile (0-100) from the bucket bounds
func (h *SizeHistogram) Percentile(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	var cumulative int64
	for i, count := range h.buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		switch {
		case i == 0:
			return sizeBoundaries[0] / 2
		case i < len(sizeBoundaries):
			return (sizeBoundaries[i-1] + sizeBoundaries[i]) / 2
		default:
			return sizeBoundaries[len(sizeBoundaries)-1] * 2
		}
	}
	return int(h.sum / h.count)
}

// MedianEstimate estimates the median size
func (h *SizeHistogram) MedianEstimate() int {
	return h.Percentile(50)
}
