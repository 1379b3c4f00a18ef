// internal/bridge/status.go
package bridge

// Health is the bridge's view of the device link.
type Health uint8

const (
	HealthUnknown Health = iota
	HealthOK
	HealthError
)

// Status tracks poll outcomes across cycles. It contains no IO; the
// caller publishes availability when Update reports a transition.
type Status struct {
	health   Health
	failures int
}

// Update records one poll outcome and reports whether the health
// state changed. Recovery resets the failure counter.
func (s *Status) Update(err error) (Health, bool) {
	prev := s.health
	if err == nil {
		s.health = HealthOK
		s.failures = 0
	} else {
		s.health = HealthError
		s.failures++
	}
	return s.health, s.health != prev
}

// Failures returns the current consecutive failure count.
func (s *Status) Failures() int { return s.failures }
