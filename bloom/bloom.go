// Package bloom implements the probabilistic set summary exchanged during
// anti-entropy sync.
//
// A Filter never reports a false negative for an added ID and reports a
// false positive for a never-added ID with probability at most its target
// rate. The hash family is keyed with fresh randomness at construction, so
// two peers summarizing the same collection produce different filters with
// different false-positive surfaces. The sync protocol depends on this:
// with identical filters, the same missing IDs would be masked on every
// exchange and the peers would never converge.
package bloom

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
)

var (
	// ErrInvalidRate is returned for a target false-positive rate outside (0, 0.5].
	ErrInvalidRate = errors.New("bloom: false-positive rate must be in (0, 0.5]")
	// ErrCorrupt is returned when a serialized filter cannot be reconstructed.
	ErrCorrupt = errors.New("bloom: corrupt serialized filter")
)

const keyLen = 32

// Filter is a bloom filter over commit IDs. It is sized for an expected
// cardinality and a target false-positive rate at construction and is not
// safe for concurrent use.
type Filter struct {
	bits []byte
	m    uint64 // bit length
	k    uint32 // hash count
	size int    // expected cardinality hint
	fpr  float64
	key  [keyLen]byte

	h      *blake3.Hasher
	digest [16]byte
}

// New creates a filter sized for the expected number of elements at the
// target false-positive rate. The hash key is drawn fresh from the system
// randomness source.
func New(size int, fpr float64) (*Filter, error) {
	if fpr <= 0 || fpr > 0.5 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, fpr)
	}
	if size < 1 {
		size = 1
	}
	var key [keyLen]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("bloom: read random key: %w", err)
	}
	m, k := dimensions(size, fpr)
	f := &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
		size: size,
		fpr:  fpr,
		key:  key,
	}
	if err := f.initHasher(); err != nil {
		return nil, err
	}
	return f, nil
}

// dimensions applies the standard sizing formula:
// m = -n ln(p) / (ln 2)^2, k = (m/n) ln 2.
func dimensions(n int, p float64) (uint64, uint32) {
	ln2 := math.Ln2
	m := math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2))
	if m < 8 {
		m = 8
	}
	k := math.Round(m / float64(n) * ln2)
	if k < 1 {
		k = 1
	}
	return uint64(m), uint32(k)
}

func (f *Filter) initHasher() error {
	h, err := blake3.NewKeyed(f.key[:])
	if err != nil {
		return fmt.Errorf("bloom: init keyed hasher: %w", err)
	}
	f.h = h
	return nil
}

// indexes derives the k bit positions for id using the split-digest scheme:
// the keyed digest is split into two 64-bit halves h1, h2 and position i is
// (h1 + i*h2) mod m.
func (f *Filter) indexes(id string, out []uint64) []uint64 {
	f.h.Reset()
	f.h.WriteString(id)
	d := f.h.Digest()
	d.Read(f.digest[:])
	h1 := binary.LittleEndian.Uint64(f.digest[0:8])
	h2 := binary.LittleEndian.Uint64(f.digest[8:16])
	// force h2 odd, hence nonzero; when m is a power of two this also makes
	// the k probe positions distinct (for k <= m)
	h2 |= 1
	for i := uint64(0); i < uint64(f.k); i++ {
		out = append(out, (h1+i*h2)%f.m)
	}
	return out
}

// Add inserts id into the filter.
func (f *Filter) Add(id string) {
	var buf [16]uint64
	for _, idx := range f.indexes(id, buf[:0]) {
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

// Has reports whether id may have been added. It returns true for every
// added ID and true for a never-added ID with probability at most the
// target rate.
func (f *Filter) Has(id string) bool {
	var buf [16]uint64
	for _, idx := range f.indexes(id, buf[:0]) {
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// FPR returns the target false-positive rate the filter was sized for.
func (f *Filter) FPR() float64 { return f.fpr }

// Size returns the expected cardinality hint the filter was sized for.
func (f *Filter) Size() int { return f.size }

// NumBits returns the length of the bit array.
func (f *Filter) NumBits() uint64 { return f.m }

// NumHashes returns the number of hash probes per ID.
func (f *Filter) NumHashes() uint32 { return f.k }

type filterWire struct {
	Bits      string  `json:"b"`
	NumBits   uint64  `json:"m"`
	NumHashes uint32  `json:"k"`
	Size      int     `json:"s"`
	FPR       float64 `json:"p"`
	Key       string  `json:"seed"`
}

// MarshalJSON encodes the filter so that a deserialized copy answers Has
// identically over all inputs.
func (f *Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(filterWire{
		Bits:      base64.StdEncoding.EncodeToString(f.bits),
		NumBits:   f.m,
		NumHashes: f.k,
		Size:      f.size,
		FPR:       f.fpr,
		Key:       base64.StdEncoding.EncodeToString(f.key[:]),
	})
}

// UnmarshalJSON reconstructs a filter from its serialized form.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var w filterWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	bits, err := base64.StdEncoding.DecodeString(w.Bits)
	if err != nil {
		return fmt.Errorf("%w: bit array: %v", ErrCorrupt, err)
	}
	key, err := base64.StdEncoding.DecodeString(w.Key)
	if err != nil || len(key) != keyLen {
		return fmt.Errorf("%w: hash key", ErrCorrupt)
	}
	if w.NumBits == 0 || uint64(len(bits)) != (w.NumBits+7)/8 || w.NumHashes == 0 {
		return fmt.Errorf("%w: dimensions", ErrCorrupt)
	}
	f.bits = bits
	f.m = w.NumBits
	f.k = w.NumHashes
	f.size = w.Size
	f.fpr = w.FPR
	copy(f.key[:], key)
	return f.initHasher()
}
