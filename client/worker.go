package client

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/geph-official/sosistab-go/backhaul"
	"github.com/geph-official/sosistab-go/crypt"
	"github.com/geph-official/sosistab-go/protocol"
	"github.com/geph-official/sosistab-go/session"
	"github.com/geph-official/sosistab-go/worker"
)

// resumeResendWindow is how long a shard can go without any traffic
// before its next upload re-announces the resume token, matching
// worker.rs's one-second no-traffic threshold.
const resumeResendWindow = time.Second

// shardWorker owns one backhaul connection carrying one shard's share of
// a session's traffic: it resends a ClientResume whenever the link has
// gone quiet, tracks how many packets it has actually delivered (for the
// dispatcher's outlier detection), and forwards inbound ciphertext into
// the shared Session. Grounded on original_source/src/client/worker.rs's
// ClientWorker + client_backhaul_once.
type shardWorker struct {
	worker.Worker

	shardID     uint8
	bh          backhaul.Backhaul
	serverAddr  net.Addr
	cookieInput []byte
	resumeToken []byte
	back        *session.Back

	uploadCh  chan []byte
	incomingCh chan []byte

	receivedCount int64
}

func newShardWorker(dial func() (backhaul.Backhaul, error), serverAddr net.Addr, cookieInput, resumeToken []byte, shardID uint8, back *session.Back) (*shardWorker, error) {
	bh, err := dial()
	if err != nil {
		return nil, err
	}
	w := &shardWorker{
		shardID:     shardID,
		bh:          bh,
		serverAddr:  serverAddr,
		cookieInput: cookieInput,
		resumeToken: resumeToken,
		back:        back,
		uploadCh:    make(chan []byte, 128),
		incomingCh:  make(chan []byte, 128),
	}
	w.Go(w.recvLoop)
	w.Go(w.sendLoop)
	return w, nil
}

// Upload enqueues one outgoing ciphertext frame for this shard to send.
func (w *shardWorker) Upload(ciphertext []byte) error {
	select {
	case w.uploadCh <- ciphertext:
		return nil
	case <-w.HaltCh():
		return fmt.Errorf("client: shard %d worker closed", w.shardID)
	}
}

// ReceivedCount reports how many inbound packets this shard has
// delivered since the last ResetReceivedCount.
func (w *shardWorker) ReceivedCount() int64 { return atomic.LoadInt64(&w.receivedCount) }

// ResetReceivedCount zeroes the counter. The dispatcher calls it on the
// first reset-interval tick after a shard worker has been respawned.
func (w *shardWorker) ResetReceivedCount() { atomic.StoreInt64(&w.receivedCount, 0) }

func (w *shardWorker) recvLoop() {
	for {
		body, addr, err := w.bh.RecvFrom()
		if err != nil {
			return
		}
		if addr != nil && addr.String() != w.serverAddr.String() {
			continue
		}
		select {
		case w.incomingCh <- body:
		case <-w.HaltCh():
			return
		}
	}
}

func (w *shardWorker) sendLoop() {
	var lastIncoming, lastOutgoing time.Time
	sentAny := false
	for {
		select {
		case <-w.HaltCh():
			return
		case body := <-w.incomingCh:
			atomic.AddInt64(&w.receivedCount, 1)
			_ = w.back.InjectIncoming(body)
			lastIncoming = time.Now()
		case body := <-w.uploadCh:
			now := time.Now()
			quiet := !sentAny ||
				(lastIncoming.IsZero() || now.Sub(lastIncoming) > resumeResendWindow) ||
				(lastOutgoing.IsZero() || now.Sub(lastOutgoing) > resumeResendWindow)
			if quiet {
				sentAny = true
				w.resendResume()
			}
			lastOutgoing = now
			if err := w.bh.SendTo(body, w.serverAddr); err != nil {
				continue
			}
		}
	}
}

func (w *shardWorker) resendResume() {
	epoch := currentEpoch()
	key, err := crypt.DeriveCookieKey(w.cookieInput, epoch)
	if err != nil {
		return
	}
	resume, err := protocol.EncodeClientResume(protocol.ClientResume{
		ResumeToken: w.resumeToken,
		ShardID:     w.shardID,
	})
	if err != nil {
		return
	}
	sealed, err := crypt.NewLegacyAead(key).Seal(resume)
	if err != nil {
		return
	}
	_ = w.bh.SendTo(sealed, w.serverAddr)
}

// Close halts this shard's goroutines and its backhaul.
func (w *shardWorker) Close() {
	w.Halt()
	w.bh.Close()
}
