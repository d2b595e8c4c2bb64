package fec

import "sync"

// doneSentinel mirrors original_source's sentinel parity index 255,
// marking a run "done" so no further shards are processed for it.
const doneSentinel = 255

const (
	dataCacheCapacity  = 100
	parityRunCapacity  = 10
)

// ParitySpaceKey identifies one FEC run: a contiguous block of data
// frames plus the parity shards protecting them. Grounded on
// original_source/src/session/machine.rs's ParitySpaceKey.
type ParitySpaceKey struct {
	FirstData uint64
	DataLen   uint8
	ParityLen uint8
	PadSize   uint16
}

// Recovered is one frame reconstructed via FEC: its sequence number and
// payload.
type Recovered struct {
	FrameNo uint64
	Body    []byte
}

type run struct {
	key          ParitySpaceKey
	dataShards   [][]byte
	parityShards [][]byte
	haveData     int
	haveParity   int
	done         bool
}

// OobDecoder reconstructs lost data frames from parity shards, bounded to
// a small number of recently-seen data frames and in-progress parity
// runs — grounded on original_source/src/session/machine.rs's
// OobDecoder (there backed by SizedCache(100) / SizedCache(10)).
type OobDecoder struct {
	mu sync.Mutex

	dataOrder []uint64
	data      map[uint64][]byte

	runOrder []ParitySpaceKey
	runs     map[ParitySpaceKey]*run
}

// NewOobDecoder constructs an empty decoder.
func NewOobDecoder() *OobDecoder {
	return &OobDecoder{
		data: make(map[uint64][]byte),
		runs: make(map[ParitySpaceKey]*run),
	}
}

func (o *OobDecoder) rememberData(frameNo uint64, body []byte) {
	if _, exists := o.data[frameNo]; exists {
		return
	}
	o.data[frameNo] = body
	o.dataOrder = append(o.dataOrder, frameNo)
	if len(o.dataOrder) > dataCacheCapacity {
		oldest := o.dataOrder[0]
		o.dataOrder = o.dataOrder[1:]
		delete(o.data, oldest)
	}
}

func (o *OobDecoder) getOrCreateRun(key ParitySpaceKey) *run {
	r, ok := o.runs[key]
	if ok {
		return r
	}
	r = &run{
		key:          key,
		dataShards:   make([][]byte, key.DataLen),
		parityShards: make([][]byte, key.ParityLen),
	}
	o.runs[key] = r
	o.runOrder = append(o.runOrder, key)
	if len(o.runOrder) > parityRunCapacity {
		oldest := o.runOrder[0]
		o.runOrder = o.runOrder[1:]
		delete(o.runs, oldest)
	}
	return r
}

// InsertData records a successfully-decrypted Data frame. It also feeds
// any in-progress parity run covering this frame number so reconstruction
// can proceed as soon as enough shards are present.
func (o *OobDecoder) InsertData(frameNo uint64, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rememberData(frameNo, body)

	for key, r := range o.runs {
		if r.done {
			continue
		}
		if frameNo < key.FirstData || frameNo >= key.FirstData+uint64(key.DataLen) {
			continue
		}
		idx := int(frameNo - key.FirstData)
		if r.dataShards[idx] == nil {
			shard, err := PreEncode(body, int(key.PadSize))
			if err == nil {
				r.dataShards[idx] = shard
				r.haveData++
			}
		}
	}
}

// InsertParity records one parity shard for a run, attempting
// reconstruction once enough data+parity shards (>= DataLen total) have
// arrived. parityIndex == doneSentinel marks the run already fully
// resolved elsewhere and is ignored.
func (o *OobDecoder) InsertParity(key ParitySpaceKey, parityIndex uint8, body []byte) ([]Recovered, error) {
	if parityIndex == doneSentinel {
		return nil, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.getOrCreateRun(key)
	if r.done {
		return nil, nil
	}
	// Parity bodies are already raw Reed–Solomon shards of PadSize bytes
	// (the encoder ran over pre-encoded data), so they are stored as-is.
	if int(parityIndex) < len(r.parityShards) && r.parityShards[parityIndex] == nil && len(body) == int(key.PadSize) {
		r.parityShards[parityIndex] = append([]byte(nil), body...)
		r.haveParity++
	}

	// Pull in any data frames we've already seen independently.
	for i := 0; i < int(key.DataLen); i++ {
		if r.dataShards[i] != nil {
			continue
		}
		frameNo := key.FirstData + uint64(i)
		if body, ok := o.data[frameNo]; ok {
			shard, err := PreEncode(body, int(key.PadSize))
			if err == nil {
				r.dataShards[i] = shard
				r.haveData++
			}
		}
	}

	if r.haveData+r.haveParity < int(key.DataLen) {
		return nil, nil
	}
	if r.haveData == int(key.DataLen) {
		// Nothing missing; no reconstruction needed.
		r.done = true
		return nil, nil
	}

	codec, err := NewCodec(int(key.DataLen), int(key.ParityLen))
	if err != nil {
		return nil, err
	}
	shards := make([][]byte, int(key.DataLen)+int(key.ParityLen))
	copy(shards, r.dataShards)
	copy(shards[key.DataLen:], r.parityShards)
	if err := codec.Reconstruct(shards); err != nil {
		return nil, err
	}

	var out []Recovered
	for i := 0; i < int(key.DataLen); i++ {
		if r.dataShards[i] != nil {
			continue // already had this one natively, not "recovered"
		}
		body := PostDecode(shards[i])
		if body == nil {
			continue
		}
		frameNo := key.FirstData + uint64(i)
		out = append(out, Recovered{FrameNo: frameNo, Body: body})
	}
	r.done = true
	return out, nil
}
