// Package congestion implements the pluggable congestion-control
// algorithms (CUBIC, HSTCP-like high-speed, Reno, and a constant
// "trivial" control), grounded on original_source/src/mux/congestion.rs
// and its cubic.rs/hstcp.rs/reno.rs/trivial.rs.
package congestion

// Control is the capability set spec.md §213 names for congestion
// control: cwnd, mark_ack, mark_loss. bdp (bandwidth-delay product, in
// packets) is supplied by the caller at mark-loss time since it's derived
// from the shared bandwidth/RTT estimators, not owned by the controller.
type Control interface {
	// Cwnd returns the current congestion window, in packets.
	Cwnd() float64
	// MarkAck folds in a successful ACK.
	MarkAck()
	// MarkLoss folds in a detected loss, given the current
	// bandwidth-delay product estimate.
	MarkLoss(bdp float64)
}
