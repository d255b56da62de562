package anomaly

import "math"

// baseline is a fixed-size rolling window with running sums.
type baseline struct {
	values []float64
	next   int
	count  int
	sum    float64
	sumSq  float64

	// run counts consecutive excursion samples.
	run int
}

func newBaseline(window int) *baseline {
	return &baseline{values: make([]float64, window)}
}

func (b *baseline) push(v float64) {
	if b.count == len(b.values) {
		old := b.values[b.next]
		b.sum -= old
		b.sumSq -= old * old
	} else {
		b.count++
	}
	b.values[b.next] = v
	b.next = (b.next + 1) % len(b.values)
	b.sum += v
	b.sumSq += v * v
}

func (b *baseline) stats() (mean, stddev float64) {
	if b.count == 0 {
		return 0, 0
	}
	n := float64(b.count)
	mean = b.sum / n
	variance := b.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}
