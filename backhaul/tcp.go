package backhaul

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/geph-official/sosistab-go/crypt"
	"github.com/geph-official/sosistab-go/protocol"
	"github.com/katzenpost/chacha20"
	"github.com/zeebo/blake3"
)

// connLifetime mirrors tcp/mod.rs's CONN_LIFETIME. Nothing in this package
// reads it: TCPClientBackhaul keeps its one connection until a read on it
// fails, and dials a new one on the next send after that.
const connLifetime = 10 * time.Minute

// tcpUpContext/tcpDnContext derive the per-direction obfuscation
// keystream keys from a connection's shared secret, matching
// tcp/mod.rs's TCP_UP_KEY/TCP_DN_KEY literals.
var (
	tcpUpContext = []byte("uploadtcp-----------------------")
	tcpDnContext = []byte("downloadtcp---------------------")
)

// obfsConn wraps a net.Conn with a pair of independent ChaCha20 keystreams
// (one per direction), so the byte stream never looks like the sosistab
// wire format to a passive observer even before the session layer's own
// AEAD is applied. Grounded on tcp/mod.rs's ObfsTcp.
type obfsConn struct {
	net.Conn
	mu        sync.Mutex
	sendKS    *chacha20.Cipher
	recvKS    *chacha20.Cipher
}

func newObfsConn(conn net.Conn, sharedSecret []byte, isServer bool) (*obfsConn, error) {
	upKey, err := keyed(tcpUpContext, sharedSecret)
	if err != nil {
		return nil, err
	}
	dnKey, err := keyed(tcpDnContext, sharedSecret)
	if err != nil {
		return nil, err
	}
	var nonce [8]byte
	upCipher, err := chacha20.NewCipher(upKey[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("backhaul: constructing up keystream: %w", err)
	}
	dnCipher, err := chacha20.NewCipher(dnKey[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("backhaul: constructing down keystream: %w", err)
	}
	o := &obfsConn{Conn: conn}
	if isServer {
		o.sendKS, o.recvKS = dnCipher, upCipher
	} else {
		o.sendKS, o.recvKS = upCipher, dnCipher
	}
	return o, nil
}

func keyed(ctx, data []byte) ([32]byte, error) {
	var out [32]byte
	h, err := blake3.NewKeyed(pad32(ctx))
	if err != nil {
		return out, err
	}
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out, nil
}

func pad32(b []byte) []byte {
	var out [32]byte
	copy(out[:], b)
	return out[:]
}

// writeFrame applies the send keystream to a length-prefixed frame and
// writes it whole.
func (o *obfsConn) writeFrame(body []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(body)))
	buf := make([]byte, 2+len(body))
	copy(buf, hdr[:])
	copy(buf[2:], body)
	o.sendKS.XORKeyStream(buf, buf)
	_, err := o.Conn.Write(buf)
	return err
}

// readFrame reads and de-keystreams one length-prefixed frame.
func (o *obfsConn) readFrame() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(o.Conn, hdr[:]); err != nil {
		return nil, err
	}
	o.recvKS.XORKeyStream(hdr[:], hdr[:])
	length := binary.BigEndian.Uint16(hdr[:])
	body := make([]byte, length)
	if _, err := io.ReadFull(o.Conn, body); err != nil {
		return nil, err
	}
	o.recvKS.XORKeyStream(body, body)
	return body, nil
}

// TCPClientBackhaul dials an obfuscated, optionally TLS-wrapped TCP
// connection per destination and frames session packets over it.
// Grounded on tcp/client.rs's TcpClientBackhaul (connection pooling
// dropped here in favor of one persistent connection per destination,
// since a client backhaul only ever talks to its one configured server).
type TCPClientBackhaul struct {
	dest     string
	longTerm *crypt.KeyPair
	useTLS   bool

	mu   sync.Mutex
	conn *obfsConn

	incoming chan tcpPacket
}

type tcpPacket struct {
	body []byte
}

// DialTCP constructs a client backhaul that will lazily connect to dest
// on first send.
func DialTCP(dest string, useTLS bool) (*TCPClientBackhaul, error) {
	longTerm, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &TCPClientBackhaul{
		dest:     dest,
		longTerm: longTerm,
		useTLS:   useTLS,
		incoming: make(chan tcpPacket, 64),
	}, nil
}

func (c *TCPClientBackhaul) ensureConn() (*obfsConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	rawConn, err := net.DialTimeout("tcp", c.dest, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("backhaul: dialing %s: %w", c.dest, err)
	}
	var conn net.Conn = rawConn
	if c.useTLS {
		conn = tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true})
	}

	eph, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	hello, err := protocol.EncodeClientHello(protocol.ClientHello{
		LongPK:  c.longTerm.Public(),
		EphPK:   eph.Public(),
		Version: protocol.ProtocolVersion,
	})
	if err != nil {
		return nil, err
	}
	padding, err := randomPadding()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(lengthPrefixed(append(hello, padding...))); err != nil {
		return nil, fmt.Errorf("backhaul: writing tcp client hello: %w", err)
	}
	reply, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, fmt.Errorf("backhaul: reading tcp server hello: %w", err)
	}
	frame, err := protocol.DecodeHandshakeFrame(reply)
	if err != nil {
		return nil, err
	}
	sh, ok := frame.(protocol.ServerHello)
	if !ok {
		return nil, fmt.Errorf("backhaul: expected server hello over tcp")
	}
	secret, err := crypt.TripleECDH(c.longTerm, eph, sh.LongPK, sh.EphPK)
	if err != nil {
		return nil, err
	}
	oc, err := newObfsConn(conn, secret, false)
	if err != nil {
		return nil, err
	}
	c.conn = oc
	go c.readLoop(oc)
	return oc, nil
}

func (c *TCPClientBackhaul) readLoop(oc *obfsConn) {
	for {
		body, err := oc.readFrame()
		if err != nil {
			c.mu.Lock()
			if c.conn == oc {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		select {
		case c.incoming <- tcpPacket{body: body}:
		default:
		}
	}
}

// SendTo implements Backhaul; dest is ignored (the client backhaul has
// exactly one server peer).
func (c *TCPClientBackhaul) SendTo(packet []byte, _ net.Addr) error {
	if len(packet) > maxPacketSize {
		return fmt.Errorf("backhaul: refusing to send %d-byte packet (max %d)", len(packet), maxPacketSize)
	}
	oc, err := c.ensureConn()
	if err != nil {
		return err
	}
	return oc.writeFrame(packet)
}

// RecvFrom implements Backhaul.
func (c *TCPClientBackhaul) RecvFrom() ([]byte, net.Addr, error) {
	p, ok := <-c.incoming
	if !ok {
		return nil, nil, fmt.Errorf("backhaul: closed")
	}
	addr, _ := net.ResolveTCPAddr("tcp", c.dest)
	return p.body, addr, nil
}

// Close implements Backhaul.
func (c *TCPClientBackhaul) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.incoming)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func lengthPrefixed(body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// TCPServerBackhaul accepts obfuscated TCP connections and multiplexes
// their framed packets into one RecvFrom stream, mirroring
// TCPClientBackhaul's handshake from the listening side. Not directly
// exercised by tcp/client.rs (whose pack copy is client-only), but
// follows the same ObfsTcp directionality mod.rs defines for both ends.
type TCPServerBackhaul struct {
	ln       net.Listener
	longTerm *crypt.KeyPair

	mu    sync.Mutex
	conns map[string]*obfsConn

	incoming chan tcpServerPacket
}

type tcpServerPacket struct {
	body []byte
	from string
}

// tcpAddr adapts a bare remote-address string into a net.Addr for
// callers that need to send a reply back to a specific TCP peer.
type tcpAddr string

func (a tcpAddr) Network() string { return "tcp" }
func (a tcpAddr) String() string  { return string(a) }

// ListenTCP starts accepting obfuscated TCP connections on laddr.
func ListenTCP(laddr string, longTerm *crypt.KeyPair, tlsConfig *tls.Config) (*TCPServerBackhaul, error) {
	var ln net.Listener
	var err error
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", laddr, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", laddr)
	}
	if err != nil {
		return nil, fmt.Errorf("backhaul: listening on %s: %w", laddr, err)
	}
	s := &TCPServerBackhaul{
		ln:       ln,
		longTerm: longTerm,
		conns:    make(map[string]*obfsConn),
		incoming: make(chan tcpServerPacket, 64),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *TCPServerBackhaul) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handshake(conn)
	}
}

func (s *TCPServerBackhaul) handshake(conn net.Conn) {
	raw, err := readLengthPrefixed(conn)
	if err != nil {
		conn.Close()
		return
	}
	frame, err := protocol.DecodeHandshakeFrame(raw)
	if err != nil {
		conn.Close()
		return
	}
	ch, ok := frame.(protocol.ClientHello)
	if !ok {
		conn.Close()
		return
	}
	eph, err := crypt.GenerateKeyPair()
	if err != nil {
		conn.Close()
		return
	}
	secret, err := crypt.TripleECDH(s.longTerm, eph, ch.LongPK, ch.EphPK)
	if err != nil {
		conn.Close()
		return
	}
	reply, err := protocol.EncodeServerHello(protocol.ServerHello{
		LongPK: s.longTerm.Public(),
		EphPK:  eph.Public(),
	})
	if err != nil {
		conn.Close()
		return
	}
	if _, err := conn.Write(lengthPrefixed(reply)); err != nil {
		conn.Close()
		return
	}
	oc, err := newObfsConn(conn, secret, true)
	if err != nil {
		conn.Close()
		return
	}
	s.mu.Lock()
	s.conns[conn.RemoteAddr().String()] = oc
	s.mu.Unlock()
	s.readLoop(conn.RemoteAddr().String(), oc)
}

func (s *TCPServerBackhaul) readLoop(from string, oc *obfsConn) {
	for {
		body, err := oc.readFrame()
		if err != nil {
			s.mu.Lock()
			delete(s.conns, from)
			s.mu.Unlock()
			return
		}
		select {
		case s.incoming <- tcpServerPacket{body: body, from: from}:
		default:
		}
	}
}

// SendTo implements Backhaul: dest must be the net.Addr (a tcpAddr or a
// net.Conn's RemoteAddr) of an already-handshaken client connection.
func (s *TCPServerBackhaul) SendTo(packet []byte, dest net.Addr) error {
	if len(packet) > maxPacketSize {
		return fmt.Errorf("backhaul: refusing to send %d-byte packet (max %d)", len(packet), maxPacketSize)
	}
	s.mu.Lock()
	oc, ok := s.conns[dest.String()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("backhaul: no live connection for %v", dest)
	}
	return oc.writeFrame(packet)
}

// RecvFrom implements Backhaul.
func (s *TCPServerBackhaul) RecvFrom() ([]byte, net.Addr, error) {
	p, ok := <-s.incoming
	if !ok {
		return nil, nil, fmt.Errorf("backhaul: closed")
	}
	return p.body, tcpAddr(p.from), nil
}

// Close implements Backhaul.
func (s *TCPServerBackhaul) Close() error {
	close(s.incoming)
	return s.ln.Close()
}

// randomPadding returns between 0 and 1020 bytes (a multiple of 4) of
// random padding,
// matching client.rs's anti-fingerprinting random_padding on the initial
// hello.
func randomPadding() ([]byte, error) {
	var n [1]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, err
	}
	out := make([]byte, int(n[0])*4)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
