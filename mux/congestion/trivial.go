package congestion

// Trivial is a constant, no-op congestion controller — useful for tests
// and for links with out-of-band rate management. Grounded on
// original_source/src/mux/congestion/trivial.rs.
type Trivial struct {
	cwnd float64
}

// NewTrivial constructs a Trivial controller with a fixed window.
func NewTrivial(cwnd float64) *Trivial {
	return &Trivial{cwnd: cwnd}
}

func (t *Trivial) Cwnd() float64    { return t.cwnd }
func (t *Trivial) MarkAck()         {}
func (t *Trivial) MarkLoss(float64) {}
