package crypt

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// Directional key-derivation contexts, keyed-Blake3-hashed over the raw
// shared secret — spec.md requires keyed Blake3 for UP_KEY/DN_KEY and
// treats the primitive itself as an external boundary contract; no pack
// dependency provides Blake3 (a genuine gap in the retrieved corpus), so
// github.com/zeebo/blake3 is adopted as the ecosystem library for it.
var (
	upKeyContext = []byte("sosistab-up-key-v3-------------")
	dnKeyContext = []byte("sosistab-dn-key-v3-------------")
)

// DeriveDirectionalKeys derives the client->server ("up") and
// server->client ("down") AEAD keys from a raw ECDH shared secret, each
// via a distinct keyed-Blake3 context so a key for one direction can never
// be replayed as the other.
func DeriveDirectionalKeys(sharedSecret []byte) (up, dn [32]byte, err error) {
	up, err = keyedBlake3(upKeyContext, sharedSecret)
	if err != nil {
		return up, dn, err
	}
	dn, err = keyedBlake3(dnKeyContext, sharedSecret)
	return up, dn, err
}

func keyedBlake3(key32 []byte, data []byte) ([32]byte, error) {
	var out [32]byte
	var key [32]byte
	copy(key[:], key32)
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return out, fmt.Errorf("crypt: blake3 keyed hash: %w", err)
	}
	if _, err := h.Write(data); err != nil {
		return out, fmt.Errorf("crypt: blake3 write: %w", err)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HashHandshake returns a plain (unkeyed) Blake3 digest of a handshake
// ciphertext, used as the process-wide replay filter's lookup key.
func HashHandshake(ciphertext []byte) [32]byte {
	var out [32]byte
	h := blake3.New()
	h.Write(ciphertext)
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveCookieKey derives the AEAD key used to seal HandshakeFrame
// payloads from a per-listener long-term cookie secret and the client's
// claimed epoch, so the server can try a small rotating set of candidate
// keys at decode time (original_source/src/client/inner.rs: "tries all
// candidate s2c cookie keys").
func DeriveCookieKey(cookieSecret []byte, epoch uint64) ([32]byte, error) {
	var epochBytes [8]byte
	for i := 0; i < 8; i++ {
		epochBytes[i] = byte(epoch >> (8 * i))
	}
	h, err := blake3.NewKeyed(padTo32(cookieSecret))
	if err != nil {
		return [32]byte{}, fmt.Errorf("crypt: blake3 keyed cookie: %w", err)
	}
	h.Write(epochBytes[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func padTo32(b []byte) []byte {
	var out [32]byte
	copy(out[:], b)
	return out[:]
}
