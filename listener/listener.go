package listener

import (
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/geph-official/sosistab-go/backhaul"
	"github.com/geph-official/sosistab-go/crypt"
	"github.com/geph-official/sosistab-go/mux"
	"github.com/geph-official/sosistab-go/protocol"
	"github.com/geph-official/sosistab-go/session"
	"github.com/geph-official/sosistab-go/worker"
)

// epochLength is how long a cookie key derived by DeriveCookieKey stays
// valid; a handshake is tried against the current and previous epoch's
// key so a client racing an epoch boundary still gets through.
const epochLength = time.Hour

// resumeTokenLen is the size in bytes of an opaque resume token, matching
// the 32-byte tokens original_source/src/listener/table.rs's SessEntry
// keys its sessions by.
const resumeTokenLen = 32

// Config configures a Listener.
type Config struct {
	Backhaul     backhaul.Backhaul
	LongTerm     *crypt.KeyPair
	CookieSecret []byte
	DataShards   int
	ParityShards int
	Logger       *log.Logger
}

// Accepted is a freshly established (ClientHello) server-side session,
// handed out via Listener.Accept.
type Accepted struct {
	Session   *session.Session
	Multiplex *mux.Multiplex
	Back      *session.Back
	Remote    net.Addr
}

// Close tears down this peer's multiplex (and every stream it owns) and
// the underlying session.
func (a *Accepted) Close() {
	a.Multiplex.Close()
	a.Session.Close()
}

// Listener runs the server side of the handshake and roaming protocol:
// it demultiplexes inbound packets by source address into already-live
// sessions, and drives the ClientHello/ServerHello/ClientResume exchange
// for everyone else. Grounded on original_source/src/listener/mod.rs's
// accept loop and src/listener/table.rs's SessionTable.
type Listener struct {
	worker.Worker

	cfg   Config
	log   *log.Logger
	table *SessionTable

	recentFilter *crypt.RecentFilter
	acceptCh     chan *Accepted
}

// Listen constructs a Listener and starts its accept loop.
func Listen(cfg Config) (*Listener, error) {
	if cfg.Backhaul == nil {
		return nil, fmt.Errorf("listener: Backhaul is required")
	}
	if cfg.LongTerm == nil {
		return nil, fmt.Errorf("listener: LongTerm key is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "listener: ", log.LstdFlags)
	}
	l := &Listener{
		cfg:          cfg,
		log:          logger,
		table:        NewSessionTable(),
		recentFilter: crypt.NewRecentFilter(),
		acceptCh:     make(chan *Accepted, 16),
	}
	l.Go(l.recvLoop)
	return l, nil
}

// Accept blocks until a new (non-resumed) session completes its
// handshake.
func (l *Listener) Accept() (*Accepted, error) {
	select {
	case a := <-l.acceptCh:
		return a, nil
	case <-l.HaltCh():
		return nil, fmt.Errorf("listener: closed")
	}
}

func (l *Listener) recvLoop() {
	for {
		packet, addr, err := l.cfg.Backhaul.RecvFrom()
		if err != nil {
			if l.Halted() {
				return
			}
			l.log.Printf("recv error: %v", err)
			continue
		}
		if back, ok := l.table.Lookup(addr); ok {
			if err := back.InjectIncoming(packet); err != nil {
				l.log.Printf("session injection failed for %v: %v", addr, err)
			}
			continue
		}
		l.handleHandshake(packet, addr)
	}
}

// handleHandshake tries to interpret packet as a HandshakeFrame sealed
// under one of the current or previous epoch's cookie keys. Anything
// that doesn't decode cleanly is a stray/corrupted packet from an
// address we don't yet recognize, and is silently dropped — matching
// table.rs's treatment of packets from unrecognized addresses.
func (l *Listener) handleHandshake(packet []byte, addr net.Addr) {
	now := uint64(time.Now().Unix()) / uint64(epochLength.Seconds())
	var plaintext []byte
	for _, epoch := range []uint64{now, now - 1} {
		key, err := crypt.DeriveCookieKey(l.cfg.CookieSecret, epoch)
		if err != nil {
			continue
		}
		pt, err := crypt.NewLegacyAead(key).Open(packet)
		if err == nil {
			plaintext = pt
			break
		}
	}
	if plaintext == nil {
		return
	}
	if l.recentFilter.Check(packet) {
		l.log.Printf("dropping replayed handshake from %v", addr)
		return
	}

	frame, err := protocol.DecodeHandshakeFrame(plaintext)
	if err != nil {
		l.log.Printf("undecodable handshake from %v: %v", addr, err)
		return
	}

	switch f := frame.(type) {
	case protocol.ClientHello:
		l.handleClientHello(f, addr)
	case protocol.ClientResume:
		l.handleClientResume(f, addr)
	default:
		l.log.Printf("unexpected handshake kind from %v", addr)
	}
}

func (l *Listener) handleClientHello(hello protocol.ClientHello, addr net.Addr) {
	if hello.Version != protocol.ProtocolVersion {
		l.log.Printf("rejecting client %v: version mismatch (got %d)", addr, hello.Version)
		return
	}
	serverEph, err := crypt.GenerateKeyPair()
	if err != nil {
		l.log.Printf("generating ephemeral key: %v", err)
		return
	}
	secret, err := crypt.TripleECDH(l.cfg.LongTerm, serverEph, hello.LongPK, hello.EphPK)
	if err != nil {
		l.log.Printf("triple-ECDH with %v failed: %v", addr, err)
		return
	}

	token := make([]byte, resumeTokenLen)
	if _, err := rand.Read(token); err != nil {
		l.log.Printf("generating resume token: %v", err)
		return
	}

	addrs := NewShardedAddrs(0, addr)
	sess, back, err := session.New(session.Config{
		Role:         session.RoleServer,
		SessionKey:   secret,
		DataShards:   l.cfg.DataShards,
		ParityShards: l.cfg.ParityShards,
	}, func(ct []byte) error {
		return l.cfg.Backhaul.SendTo(ct, addrs.Addr())
	})
	if err != nil {
		l.log.Printf("constructing session for %v: %v", addr, err)
		return
	}
	l.table.NewSess(string(token), back, addrs)
	l.table.Rebind(addr, 0, string(token))

	reply, err := protocol.EncodeServerHello(protocol.ServerHello{
		LongPK:      l.cfg.LongTerm.Public(),
		EphPK:       serverEph.Public(),
		ResumeToken: token,
	})
	if err != nil {
		l.log.Printf("encoding server hello: %v", err)
		return
	}
	key, err := crypt.DeriveCookieKey(l.cfg.CookieSecret, uint64(time.Now().Unix())/uint64(epochLength.Seconds()))
	if err != nil {
		l.log.Printf("deriving reply cookie key: %v", err)
		return
	}
	sealed, err := crypt.NewLegacyAead(key).Seal(reply)
	if err != nil {
		l.log.Printf("sealing server hello: %v", err)
		return
	}
	if err := l.cfg.Backhaul.SendTo(sealed, addr); err != nil {
		l.log.Printf("sending server hello to %v: %v", addr, err)
		return
	}

	select {
	case l.acceptCh <- &Accepted{Session: sess, Multiplex: mux.New(sess, nil), Back: back, Remote: addr}:
	case <-l.HaltCh():
	}
}

// handleClientResume rebinds an existing session to a new source
// address, the roaming path: a client that has moved networks (or is
// spraying traffic across multiple uplink shards) reuses its resume
// token instead of renegotiating.
func (l *Listener) handleClientResume(resume protocol.ClientResume, addr net.Addr) {
	if !l.table.Rebind(addr, resume.ShardID, string(resume.ResumeToken)) {
		l.log.Printf("resume token from %v unknown, dropping", addr)
	}
}

// Close halts the accept loop.
func (l *Listener) Close() error {
	l.Halt()
	return l.cfg.Backhaul.Close()
}
