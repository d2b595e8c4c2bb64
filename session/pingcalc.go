package session

import (
	"sync"
	"time"

	"github.com/geph-official/sosistab-go/stats"
)

// PingCalculator folds the piggybacked receive-progress fields carried on
// every inbound Data frame (high_recv_frame_no, total_recv_frames) plus
// the peer's own self-reported loss estimate into a small set of
// observable series on a Gatherer, standing in for
// original_source/src/session/machine.rs's "ping_calc: Arc<
// StatsCalculator>" (a type referenced but not present among the kept
// original_source files — reconstructed here from its call site,
// `ping_calc.incoming(frame_no, high_recv_frame_no, total_recv_frames,
// loss_rate)`, against the shape stats.rs's StatsGatherer/TimeSeries
// already establishes for every other per-session metric).
type PingCalculator struct {
	mu       sync.Mutex
	gather   *stats.Gatherer
	lastSeen time.Time
	skew     *stats.EmaCalculator
}

// NewPingCalculator constructs a calculator recording into gather (which
// may be nil, in which case Incoming is a cheap no-op).
func NewPingCalculator(gather *stats.Gatherer) *PingCalculator {
	return &PingCalculator{gather: gather, skew: stats.NewEmaCalculator(0.1)}
}

// Incoming records one inbound Data frame's piggybacked receive-progress.
// lossRate is negative if the peer had no estimate to report (the
// protocol's 0xff sentinel).
func (p *PingCalculator) Incoming(frameNo, highRecvFrameNo, totalRecvFrames uint64, lossRate float64) {
	if p.gather == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gather.Update("peer_high_recv_frame_no", float32(highRecvFrameNo))
	p.gather.Update("peer_total_recv_frames", float32(totalRecvFrames))
	if highRecvFrameNo >= frameNo {
		p.skew.Update(float64(highRecvFrameNo - frameNo))
		p.gather.Update("peer_recv_skew", float32(p.skew.Mean()))
	}
	if lossRate >= 0 {
		p.gather.Update("peer_reported_loss", float32(lossRate))
	}
	p.lastSeen = time.Now()
}

// LastSeen reports when Incoming was last called.
func (p *PingCalculator) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}
