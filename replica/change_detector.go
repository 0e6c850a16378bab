package replica

// epsilon-gated change predicate used to suppress transmission of
// jitter-level vector changes (e.g. per-frame drag deltas)

type ChangeDetector struct {
	epsilon float64

	hasBaseline bool
	baseline    Vector3
}

func NewChangeDetector(epsilon float64) *ChangeDetector {
	return &ChangeDetector{
		epsilon: epsilon,
	}
}

// the first sample is always significant and becomes the baseline.
// After that, a sample is significant iff its distance from the baseline
// exceeds epsilon; the baseline advances only on significant samples.
func (self *ChangeDetector) HasChangedSignificantly(sample Vector3) bool {
	if !self.hasBaseline {
		self.hasBaseline = true
		self.baseline = sample
		return true
	}
	if self.epsilon < sample.Distance(self.baseline) {
		self.baseline = sample
		return true
	}
	return false
}
