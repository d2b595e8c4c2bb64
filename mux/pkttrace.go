package mux

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PacketTrace records one observed frame for offline diagnosis — size,
// direction, and timestamp — matching SPEC_FULL.md §4.14's "optional durable
// packet-trace sink" addition over the distilled spec. Grounded on the
// general shape of original_source's debug pcap-lite logging, reworked
// here into a pluggable Sink rather than a fixed file format.
type PacketTrace struct {
	At        time.Time
	Outbound  bool
	Size      int
	StreamID  uint16
}

// Sink receives packet traces. The zero value of LineSink is a reasonable
// default; DurableSink additionally persists to a bbolt database for
// after-the-fact querying.
type Sink interface {
	Record(PacketTrace)
	Close() error
}

// LineSink writes one human-readable line per trace to an io.Writer.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineSink wraps w as a Sink.
func NewLineSink(w io.Writer) *LineSink { return &LineSink{w: w} }

// Record implements Sink.
func (s *LineSink) Record(t PacketTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := "in"
	if t.Outbound {
		dir = "out"
	}
	fmt.Fprintf(s.w, "%s %s stream=%d size=%d\n", t.At.Format(time.RFC3339Nano), dir, t.StreamID, t.Size)
}

// Close implements Sink; LineSink owns no closable resource.
func (s *LineSink) Close() error { return nil }

var tracesBucket = []byte("traces")

// DurableSink persists traces into a bbolt database keyed by a
// monotonically increasing sequence, so a post-mortem tool can replay
// exactly the frame sequence a session observed. Opt-in: most deployments
// should use LineSink or no sink at all, since bbolt's fsync-per-write
// default is far too slow for the data plane itself — this sink is meant
// to be fed from a buffered channel, not called inline on the hot path.
type DurableSink struct {
	db *bolt.DB
}

// OpenDurableSink opens (creating if absent) a bbolt database at path for
// trace storage.
func OpenDurableSink(path string) (*DurableSink, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("mux: opening trace db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tracesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mux: creating trace bucket: %w", err)
	}
	return &DurableSink{db: db}, nil
}

// Record implements Sink, appending one trace under its send-order key.
func (d *DurableSink) Record(t PacketTrace) {
	_ = d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tracesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		val := encodeTrace(t)
		return b.Put(key[:], val)
	})
}

// Close implements Sink.
func (d *DurableSink) Close() error { return d.db.Close() }

func encodeTrace(t PacketTrace) []byte {
	buf := make([]byte, 8+1+4+2)
	binary.BigEndian.PutUint64(buf[0:8], uint64(t.At.UnixNano()))
	if t.Outbound {
		buf[8] = 1
	}
	binary.BigEndian.PutUint32(buf[9:13], uint32(t.Size))
	binary.BigEndian.PutUint16(buf[13:15], t.StreamID)
	return buf
}
