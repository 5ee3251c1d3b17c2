// Package artifact persists compiled methods in a bbolt file so a later
// link or install step can pick them up without recompiling. One bucket,
// keyed by method index in big-endian so cursor order matches table order.
package artifact

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ternvm/tern/internal/compiler"
	"github.com/ternvm/tern/internal/meta"
	"github.com/ternvm/tern/internal/mir"
)

var bucketMethods = []byte("methods")

// Store is an open artifact file. Safe for concurrent Put calls; bbolt
// serializes the write transactions.
type Store struct {
	db *bolt.DB
}

// Open creates or opens an artifact file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("artifact: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMethods)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("artifact: initializing %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the file.
func (s *Store) Close() error { return s.db.Close() }

func key(idx uint16) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], idx)
	return k[:]
}

// Put writes one compiled method, replacing any previous record for the
// same method index.
func (s *Store) Put(cm *compiler.CompiledMethod) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMethods).Put(key(cm.MethodIdx), encode(cm))
	})
}

// Get reads one compiled method back.
func (s *Store) Get(idx uint16) (*compiler.CompiledMethod, error) {
	var cm *compiler.CompiledMethod
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMethods).Get(key(idx))
		if v == nil {
			return fmt.Errorf("artifact: method %d not found", idx)
		}
		var err error
		cm, err = decode(v)
		return err
	})
	return cm, err
}

// Count returns the number of stored methods.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketMethods).Stats().KeyN
		return nil
	})
	return n, err
}

// Record layout, little-endian: name, method index, isa tag, frame size,
// spill masks, then the code, vmap, mapping table, and GC map with length
// prefixes.

func appendU16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func appendU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }

func encode(cm *compiler.CompiledMethod) []byte {
	b := make([]byte, 0, 64+len(cm.Code)+2*len(cm.Vmap)+8*len(cm.Mapping)+len(cm.GCMap))
	b = appendU16(b, uint16(len(cm.Name)))
	b = append(b, cm.Name...)
	b = appendU16(b, cm.MethodIdx)
	b = append(b, byte(cm.ISA))
	b = appendU32(b, uint32(cm.FrameSize))
	b = appendU32(b, cm.CoreSpillMask)
	b = appendU32(b, cm.FPSpillMask)

	b = appendU32(b, uint32(len(cm.Code)))
	b = append(b, cm.Code...)
	b = appendU32(b, uint32(len(cm.Vmap)))
	for _, v := range cm.Vmap {
		b = appendU16(b, v)
	}
	b = appendU32(b, uint32(len(cm.Mapping)))
	for _, e := range cm.Mapping {
		b = appendU32(b, e.Native)
		b = appendU32(b, e.Source)
	}
	b = appendU32(b, uint32(len(cm.GCMap)))
	b = append(b, cm.GCMap...)
	return b
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = fmt.Errorf("artifact: truncated record")
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func decode(data []byte) (*compiler.CompiledMethod, error) {
	r := &reader{b: data}
	cm := &compiler.CompiledMethod{}

	cm.Name = string(r.take(int(r.u16())))
	cm.MethodIdx = r.u16()
	if b := r.take(1); b != nil {
		cm.ISA = mir.ISA(b[0])
	}
	cm.FrameSize = int32(r.u32())
	cm.CoreSpillMask = r.u32()
	cm.FPSpillMask = r.u32()

	cm.Code = append([]byte(nil), r.take(int(r.u32()))...)
	nVmap := int(r.u32())
	for i := 0; i < nVmap && r.err == nil; i++ {
		cm.Vmap = append(cm.Vmap, r.u16())
	}
	nMap := int(r.u32())
	for i := 0; i < nMap && r.err == nil; i++ {
		e := meta.PCEntry{Native: r.u32(), Source: r.u32()}
		cm.Mapping = append(cm.Mapping, e)
	}
	cm.GCMap = append(meta.GCMap(nil), r.take(int(r.u32()))...)

	if r.err != nil {
		return nil, r.err
	}
	return cm, nil
}
