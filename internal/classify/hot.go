package classify

import "sync/atomic"

// Hot is a swappable classifier handle. Classify always evaluates against
// the most recently swapped-in rule set, so a reloaded rules file takes
// effect without restarting consumers.
type Hot struct {
	ptr atomic.Pointer[Classifier]
}

// NewHot wraps an initial classifier.
func NewHot(c *Classifier) *Hot {
	h := &Hot{}
	h.ptr.Store(c)
	return h
}

// Classify delegates to the current classifier.
func (h *Hot) Classify(prompt string) Result {
	return h.ptr.Load().Classify(prompt)
}

// Swap installs a new compiled rule set.
func (h *Hot) Swap(c *Classifier) {
	if c != nil {
		h.ptr.Store(c)
	}
}
