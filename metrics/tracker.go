package metrics

// ScalarMeanTracker accumulates running means of named scalars between log
// flushes.
type ScalarMeanTracker struct {
	sums   map[string]float64
	counts map[string]int
}

func NewScalarMeanTracker() *ScalarMeanTracker {
	return &ScalarMeanTracker{
		sums:   make(map[string]float64),
		counts: make(map[string]int),
	}
}

func (s *ScalarMeanTracker) AddScalars(scalars map[string]float64) {
	for k, v := range scalars {
		s.sums[k] += v
		s.counts[k]++
	}
}

// PopAndReset returns the per-key means and clears the tracker.
func (s *ScalarMeanTracker) PopAndReset() map[string]float64 {
	means := make(map[string]float64, len(s.sums))
	for k, sum := range s.sums {
		means[k] = sum / float64(s.counts[k])
	}
	s.sums = make(map[string]float64)
	s.counts = make(map[string]int)
	return means
}

func (s *ScalarMeanTracker) Empty() bool {
	return len(s.sums) == 0
}
