package congestion

// Reno implements classic AIMD congestion control. Grounded on
// original_source/src/mux/congestion/reno.rs.
type Reno struct {
	cwnd float64
	incr float64
}

// NewReno constructs a Reno controller starting at cwnd=4.
func NewReno() *Reno {
	return &Reno{cwnd: 4, incr: 1}
}

func (r *Reno) Cwnd() float64 { return r.cwnd }

// MarkAck: classic additive increase, one segment per RTT's worth of ACKs.
func (r *Reno) MarkAck() {
	r.cwnd += r.incr / r.cwnd
}

// MarkLoss: classic multiplicative decrease, halving cwnd with a floor of 1.
func (r *Reno) MarkLoss(bdp float64) {
	r.cwnd /= 2
	if r.cwnd < 1 {
		r.cwnd = 1
	}
}
