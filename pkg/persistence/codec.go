// Package persistence turns an in-memory user index into a self-describing
// binary snapshot and back.
//
// A snapshot is laid out as
//
//	"PDWI" | format version (1 byte) | compression (1 byte) | body
//
// where body is the (optionally compressed) msgpack encoding of the index
// configuration, the serialized graph, the tombstone bitmap and per-vector
// metadata.
package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/types"
)

const (
	// FormatVersion is the current snapshot layout version
	FormatVersion byte = 1

	headerLen = 6
)

var magic = []byte("PDWI")

var (
	// ErrCorrupt is returned when a snapshot cannot be parsed
	ErrCorrupt = errors.New("corrupt snapshot")
	// ErrUnsupportedVersion is returned for snapshots written by a newer format
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// Snapshot is the persisted state of one user's committed index
type Snapshot struct {
	UserKey string
	Config  hnsw.Config
	Version uint64
	// Index holds hnsw.Index.MarshalBinary output
	Index      []byte
	Tombstones *roaring64.Bitmap
	Metadata   map[uint64]types.Metadata
	CreatedAt  time.Time
}

type wireSnapshot struct {
	UserKey    string                    `msgpack:"user_key"`
	Config     hnsw.Config               `msgpack:"config"`
	Version    uint64                    `msgpack:"version"`
	Index      []byte                    `msgpack:"index"`
	Tombstones []byte                    `msgpack:"tombstones,omitempty"`
	Metadata   map[uint64]types.Metadata `msgpack:"metadata,omitempty"`
	CreatedAt  time.Time                 `msgpack:"created_at"`
}

// Codec encodes and decodes snapshots. The zero value writes uncompressed
// snapshots; any codec can read every compression.
type Codec struct {
	compression Compression
}

// NewCodec creates a codec that writes with the given compression
func NewCodec(c Compression) *Codec {
	return &Codec{compression: c}
}

// Compression returns the write compression
func (c *Codec) Compression() Compression {
	return c.compression
}

// Encode serializes s.
func (c *Codec) Encode(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil snapshot")
	}

	w := wireSnapshot{
		UserKey:   s.UserKey,
		Config:    s.Config,
		Version:   s.Version,
		Index:     s.Index,
		Metadata:  s.Metadata,
		CreatedAt: s.CreatedAt.UTC(),
	}
	if s.Tombstones != nil && !s.Tombstones.IsEmpty() {
		tb, err := s.Tombstones.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("encode tombstones: %w", err)
		}
		w.Tombstones = tb
	}

	body, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	body, err = compress(c.compression, body)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerLen+len(body))
	out = append(out, magic...)
	out = append(out, FormatVersion, byte(c.compression))
	return append(out, body...), nil
}

// Decode parses a snapshot produced by Encode.
func (c *Codec) Decode(data []byte) (*Snapshot, error) {
	if len(data) < headerLen || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if v := data[len(magic)]; v != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	body, err := decompress(Compression(data[len(magic)+1]), data[headerLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var w wireSnapshot
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	s := &Snapshot{
		UserKey:    w.UserKey,
		Config:     w.Config,
		Version:    w.Version,
		Index:      w.Index,
		Tombstones: roaring64.New(),
		Metadata:   w.Metadata,
		CreatedAt:  w.CreatedAt,
	}
	if len(w.Tombstones) > 0 {
		if err := s.Tombstones.UnmarshalBinary(w.Tombstones); err != nil {
			return nil, fmt.Errorf("%w: tombstones: %v", ErrCorrupt, err)
		}
	}
	if s.Metadata == nil {
		s.Metadata = make(map[uint64]types.Metadata)
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return s, nil
}

// Restore decodes data and rebuilds the index it describes.
func (c *Codec) Restore(data []byte) (*Snapshot, *hnsw.Index, error) {
	s, err := c.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	idx, err := hnsw.Load(s.Config, s.Index)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return s, idx, nil
}
