// Package client implements the low-level, shard-aware side of the
// handshake and session establishment: connecting to a server, deriving
// the shared session key, handing the resulting Session off to a
// Dispatcher that sprays its frames across several independent backhaul
// shards, and wrapping it in a Multiplex so callers open reliable streams
// rather than juggling raw datagrams. Grounded on
// original_source/src/client/inner.rs's connect_custom/init_session.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/geph-official/sosistab-go/backhaul"
	"github.com/geph-official/sosistab-go/crypt"
	"github.com/geph-official/sosistab-go/mux"
	"github.com/geph-official/sosistab-go/mux/relconn"
	"github.com/geph-official/sosistab-go/protocol"
	"github.com/geph-official/sosistab-go/session"
	"github.com/geph-official/sosistab-go/stats"
)

// defaultNumShards matches inner.rs's typical multi-path fan-out.
const defaultNumShards = 4

// maxHandshakeBackoff caps the per-attempt handshake timeout: it starts at
// one second and doubles after every unanswered attempt, up to this
// 10-second ceiling.
const maxHandshakeBackoff = 10 * time.Second

// Config configures Connect.
type Config struct {
	ServerAddr    string
	ServerPubKey  [32]byte
	NumShards     int
	ResetInterval time.Duration
	DataShards    int
	ParityShards  int

	// Dial constructs one fresh backhaul connection, called once per
	// handshake attempt and once per shard worker.
	Dial func() (backhaul.Backhaul, error)
}

func (c Config) numShards() int {
	if c.NumShards > 0 {
		return c.NumShards
	}
	return defaultNumShards
}

// Client is an established sosistab connection: one Session multiplexed
// over NumShards independent backhaul workers.
type Client struct {
	cfg        Config
	session    *session.Session
	multiplex  *mux.Multiplex
	back       *session.Back
	dispatcher *Dispatcher
}

// Session returns the underlying Session (itself a mux.SessionIO) that
// the multiplex layer streams/unreliable datagrams over.
func (c *Client) Session() *session.Session { return c.session }

// OpenConn opens a new reliable stream multiplexed over this connection.
func (c *Client) OpenConn(additionalInfo []byte) (*relconn.RelConn, error) {
	return c.multiplex.OpenConn(additionalInfo)
}

// AcceptConn blocks until the server opens a new reliable stream.
func (c *Client) AcceptConn() (*relconn.RelConn, error) {
	return c.multiplex.AcceptConn()
}

// SendUrel sends one best-effort, unordered datagram.
func (c *Client) SendUrel(body []byte) error { return c.multiplex.SendUrel(body) }

// RecvUrel receives the next best-effort datagram.
func (c *Client) RecvUrel() ([]byte, error) { return c.multiplex.RecvUrel() }

// Gather exposes the session's stats gatherer for metrics export.
func (c *Client) Gather() *stats.Gatherer { return c.session.Gather() }

// Close tears down the multiplex (and every stream it owns), every shard
// worker, and the session itself.
func (c *Client) Close() {
	c.multiplex.Close()
	c.dispatcher.Close()
	c.session.Close()
}

// Connect performs the ClientHello/ServerHello handshake (retrying with
// exponentially-growing timeouts on no response) and then spins up the
// per-shard dispatcher. Grounded on inner.rs's connect_custom +
// init_session, split here into handshake() + Dispatcher construction.
func Connect(cfg Config) (*Client, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("client: Dial is required")
	}
	serverAddr := resolveServerAddr(cfg.ServerAddr)

	secret, resumeToken, err := handshake(cfg, serverAddr)
	if err != nil {
		return nil, err
	}

	var dispatcher *Dispatcher
	sess, back, err := session.New(session.Config{
		Role:         session.RoleClient,
		SessionKey:   secret,
		DataShards:   cfg.DataShards,
		ParityShards: cfg.ParityShards,
	}, func(ct []byte) error {
		return dispatcher.Send(ct)
	})
	if err != nil {
		return nil, fmt.Errorf("client: constructing session: %w", err)
	}

	dispatcher, err = NewDispatcher(cfg, cfg.ServerPubKey[:], resumeToken, serverAddr, back)
	if err != nil {
		sess.Close()
		return nil, err
	}

	multiplex := mux.New(sess, nil)
	return &Client{cfg: cfg, session: sess, multiplex: multiplex, back: back, dispatcher: dispatcher}, nil
}

// handshake runs the ClientHello/ServerHello exchange, retrying against
// a fresh backhaul (cfg.Dial()) each attempt with a doubling timeout.
func handshake(cfg Config, serverAddr net.Addr) (sharedSecret, resumeToken []byte, err error) {
	longTerm, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	eph, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}

	hello, err := protocol.EncodeClientHello(protocol.ClientHello{
		LongPK:  longTerm.Public(),
		EphPK:   eph.Public(),
		Version: protocol.ProtocolVersion,
	})
	if err != nil {
		return nil, nil, err
	}

	cookieInput := cfg.ServerPubKey[:]
	timeout := time.Second
	for attempt := 0; ; attempt++ {
		bh, err := cfg.Dial()
		if err != nil {
			return nil, nil, fmt.Errorf("client: dialing: %w", err)
		}

		epoch := currentEpoch()
		key, err := crypt.DeriveCookieKey(cookieInput, epoch)
		if err != nil {
			bh.Close()
			return nil, nil, err
		}
		sealed, err := crypt.NewLegacyAead(key).Seal(hello)
		if err != nil {
			bh.Close()
			return nil, nil, err
		}
		if err := bh.SendTo(sealed, serverAddr); err != nil {
			bh.Close()
			return nil, nil, fmt.Errorf("client: sending client hello: %w", err)
		}

		body, ok := recvWithTimeout(bh, timeout)
		bh.Close()
		if !ok {
			if timeout < maxHandshakeBackoff {
				timeout *= 2
				if timeout > maxHandshakeBackoff {
					timeout = maxHandshakeBackoff
				}
			}
			continue
		}

		for _, candidateEpoch := range []uint64{epoch, epoch - 1} {
			candidateKey, err := crypt.DeriveCookieKey(cookieInput, candidateEpoch)
			if err != nil {
				continue
			}
			pt, err := crypt.NewLegacyAead(candidateKey).Open(body)
			if err != nil {
				continue
			}
			frame, err := protocol.DecodeHandshakeFrame(pt)
			if err != nil {
				continue
			}
			sh, ok := frame.(protocol.ServerHello)
			if !ok {
				continue
			}
			if sh.LongPK != cfg.ServerPubKey {
				return nil, nil, fmt.Errorf("client: server presented an unexpected public key")
			}
			secret, err := crypt.TripleECDH(longTerm, eph, sh.LongPK, sh.EphPK)
			if err != nil {
				return nil, nil, err
			}
			return secret, sh.ResumeToken, nil
		}
	}
}

func recvWithTimeout(bh backhaul.Backhaul, timeout time.Duration) ([]byte, bool) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, _, err := bh.RecvFrom()
		done <- result{body: body, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, false
		}
		return r.body, true
	case <-time.After(timeout):
		return nil, false
	}
}

func currentEpoch() uint64 {
	return uint64(time.Now().Unix()) / 3600
}

// resolveServerAddr tries to interpret raw as a UDP address (the common
// case) and otherwise falls back to an opaque net.Addr — fine for
// backhauls like TCPClientBackhaul that ignore the destination argument
// entirely.
func resolveServerAddr(raw string) net.Addr {
	if addr, err := net.ResolveUDPAddr("udp", raw); err == nil {
		return addr
	}
	return genericAddr(raw)
}

type genericAddr string

func (g genericAddr) Network() string { return "sosistab" }
func (g genericAddr) String() string  { return string(g) }
