package client

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/geph-official/sosistab-go/session"
	"github.com/geph-official/sosistab-go/worker"
)

// outlierPValue is the significance threshold below which a shard's
// packet count is judged too far below uniform to be chance, matching
// inner.rs's literal p_value < 0.01.
const outlierPValue = 0.01

// Dispatcher round-robins a session's outgoing ciphertext frames across
// a fixed pool of shardWorkers, and — if configured with a
// ResetInterval — periodically checks whether one shard is receiving
// suspiciously less traffic than the others and replaces it. Grounded on
// original_source/src/client/inner.rs's init_session uploader task.
type Dispatcher struct {
	worker.Worker

	cfg         Config
	cookieInput []byte
	resumeToken []byte
	serverAddr  net.Addr
	back        *session.Back

	mu            sync.Mutex
	workers       []*shardWorker
	ctr           uint64
	lastReset     time.Time
	justRespawned bool
}

// NewDispatcher spins up NumShards shard workers and, if cfg has a
// positive ResetInterval, starts the outlier-detection loop.
func NewDispatcher(cfg Config, cookieInput, resumeToken []byte, serverAddr net.Addr, back *session.Back) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:         cfg,
		cookieInput: cookieInput,
		resumeToken: resumeToken,
		serverAddr:  serverAddr,
		back:        back,
		lastReset:   time.Now(),
	}
	for i := 0; i < cfg.numShards(); i++ {
		w, err := newShardWorker(cfg.Dial, serverAddr, cookieInput, resumeToken, uint8(i), back)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("client: starting shard %d: %w", i, err)
		}
		d.workers = append(d.workers, w)
	}
	if cfg.ResetInterval > 0 {
		d.Go(d.monitorLoop)
	}
	return d, nil
}

// Send hands one outgoing ciphertext frame to the next shard in
// round-robin order.
func (d *Dispatcher) Send(ciphertext []byte) error {
	d.mu.Lock()
	if len(d.workers) == 0 {
		d.mu.Unlock()
		return fmt.Errorf("client: no shard workers available")
	}
	w := d.workers[d.ctr%uint64(len(d.workers))]
	d.ctr++
	d.mu.Unlock()
	return w.Upload(ciphertext)
}

func (d *Dispatcher) monitorLoop() {
	ticker := time.NewTicker(d.cfg.ResetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.HaltCh():
			return
		case <-ticker.C:
			d.onResetTick()
		}
	}
}

func (d *Dispatcher) onResetTick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.justRespawned {
		for _, w := range d.workers {
			w.ResetReceivedCount()
		}
		d.justRespawned = false
		return
	}

	counts := make([]int64, len(d.workers))
	for i, w := range d.workers {
		counts[i] = w.ReceivedCount()
	}
	p := uniformPValue(counts)
	if p >= outlierPValue {
		return
	}

	worstIdx := 0
	for i, c := range counts {
		if c < counts[worstIdx] {
			worstIdx = i
		}
	}
	newWorker, err := newShardWorker(d.cfg.Dial, d.serverAddr, d.cookieInput, d.resumeToken, uint8(worstIdx), d.back)
	if err != nil {
		return
	}
	old := d.workers[worstIdx]
	d.workers[worstIdx] = newWorker
	old.Close()
	d.justRespawned = true
}

// uniformPValue estimates how likely it is that vals was produced by a
// uniform-across-shards traffic split, as the binomial CDF of the
// smallest count under a Binomial(sum(vals), 1/len(vals)) null
// hypothesis. Grounded on inner.rs's uniform_pvalue; no library in the
// retrieved corpus exposes a binomial distribution, so the CDF is
// computed directly from math.Lgamma (documented in DESIGN.md).
func uniformPValue(vals []int64) float64 {
	if len(vals) == 0 {
		return 0.0
	}
	var total int64
	min := vals[0]
	for _, v := range vals {
		total += v
		if v < min {
			min = v
		}
	}
	return binomialCDF(total, 1.0/float64(len(vals)), min)
}

// binomialCDF computes P(X <= k) for X ~ Binomial(n, p), via the
// regularized incomplete beta function's log-space equivalent (summing
// binomial PMF terms using log-gamma for numerical stability across
// the packet counts a long-running session accumulates).
func binomialCDF(n int64, p float64, k int64) float64 {
	if n <= 0 {
		return 1.0
	}
	if k < 0 {
		return 0.0
	}
	if k >= n {
		return 1.0
	}
	var sum float64
	for i := int64(0); i <= k; i++ {
		sum += binomialPMF(n, p, i)
	}
	if sum > 1.0 {
		return 1.0
	}
	return sum
}

func binomialPMF(n int64, p float64, k int64) float64 {
	if p <= 0 {
		if k == 0 {
			return 1.0
		}
		return 0.0
	}
	if p >= 1 {
		if k == n {
			return 1.0
		}
		return 0.0
	}
	logCoeff := lgammaI(n+1) - lgammaI(k+1) - lgammaI(n-k+1)
	logProb := logCoeff + float64(k)*math.Log(p) + float64(n-k)*math.Log(1-p)
	return math.Exp(logProb)
}

func lgammaI(n int64) float64 {
	v, _ := math.Lgamma(float64(n))
	return v
}

// Close halts every shard worker and the monitor loop.
func (d *Dispatcher) Close() {
	d.Halt()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.workers {
		w.Close()
	}
}
