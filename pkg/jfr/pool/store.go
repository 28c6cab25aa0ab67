// Package pool holds the constant pools of one chunk. Entries are recorded
// as offsets while the checkpoint events are scanned and decoded lazily on
// first use.
package pool

import (
	"reflect"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
)

// DefaultMaxDepth bounds how deeply pool entries may reference each other.
const DefaultMaxDepth = 64

// DecodeFunc decodes one value at the cursor position.
type DecodeFunc func(c *bytecursor.Cursor) (any, error)

type Pool struct {
	TypeID  int64
	offsets map[int64]int64
	values  map[valueKey]any
}

// Len returns the number of recorded entries.
func (p *Pool) Len() int { return len(p.offsets) }

type valueKey struct {
	id     int64
	target reflect.Type
}

type entryKey struct {
	typeID int64
	id     int64
}

type Stats struct {
	Recorded   int
	Duplicates int
	Decoded    int
	Hits       int
}

// Store maps (type id, value id) to entries of the current chunk. It is not
// safe for concurrent use.
type Store struct {
	c        *bytecursor.Cursor
	pools    map[int64]*Pool
	ready    bool
	maxDepth int

	inFlight map[entryKey]struct{}
	stats    Stats
}

func NewStore(maxDepth int) *Store {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Store{
		pools:    make(map[int64]*Pool),
		inFlight: make(map[entryKey]struct{}),
		maxDepth: maxDepth,
	}
}

// BeginChunk drops all entries and binds the store to the chunk cursor.
// Offsets are positions of that cursor.
func (s *Store) BeginChunk(c *bytecursor.Cursor) {
	s.c = c
	clear(s.pools)
	clear(s.inFlight)
	s.ready = false
}

// RecordOffset records where the value of (typeID, id) starts. The first
// occurrence wins, and nothing is recorded once the store is ready. It
// reports whether the offset was recorded.
func (s *Store) RecordOffset(typeID, id, offset int64) bool {
	if s.ready {
		return false
	}
	p, ok := s.pools[typeID]
	if !ok {
		p = &Pool{TypeID: typeID, offsets: make(map[int64]int64)}
		s.pools[typeID] = p
	}
	if _, dup := p.offsets[id]; dup {
		s.stats.Duplicates++
		return false
	}
	p.offsets[id] = offset
	s.stats.Recorded++
	return true
}

// SetReady marks the checkpoint scan of the chunk as complete.
func (s *Store) SetReady() { s.ready = true }

func (s *Store) Ready() bool { return s.ready }

func (s *Store) HasPool(typeID int64) bool {
	_, ok := s.pools[typeID]
	return ok
}

func (s *Store) Pool(typeID int64) (*Pool, bool) {
	p, ok := s.pools[typeID]
	return p, ok
}

func (s *Store) Offset(typeID, id int64) (int64, bool) {
	p, ok := s.pools[typeID]
	if !ok {
		return 0, false
	}
	off, ok := p.offsets[id]
	return off, ok
}

func (s *Store) Stats() Stats { return s.stats }

// Get returns the value of (typeID, id) decoded for target. The value is
// decoded at most once per target; the cursor position is restored
// afterwards. A missing entry yields ok == false and no error.
func (s *Store) Get(typeID, id int64, target reflect.Type, decode DecodeFunc) (v any, ok bool, err error) {
	p, ok := s.pools[typeID]
	if !ok {
		return nil, false, nil
	}
	vk := valueKey{id: id, target: target}
	if v, ok := p.values[vk]; ok {
		s.stats.Hits++
		return v, true, nil
	}
	off, ok := p.offsets[id]
	if !ok {
		return nil, false, nil
	}

	ek := entryKey{typeID: typeID, id: id}
	if _, cyclic := s.inFlight[ek]; cyclic {
		return nil, false, jfrerr.Formatf(-1, "constant pool cycle at type %d id %d", typeID, id)
	}
	if len(s.inFlight) >= s.maxDepth {
		return nil, false, jfrerr.Formatf(-1, "constant pool references nested deeper than %d at type %d id %d", s.maxDepth, typeID, id)
	}
	s.inFlight[ek] = struct{}{}
	defer delete(s.inFlight, ek)

	saved := s.c.Position()
	defer func() {
		if serr := s.c.Seek(saved); serr != nil && err == nil {
			err = serr
		}
	}()
	if err := s.c.Seek(off); err != nil {
		return nil, false, err
	}
	v, err = decode(s.c)
	if err != nil {
		return nil, false, err
	}
	if p.values == nil {
		p.values = make(map[valueKey]any)
	}
	p.values[vk] = v
	s.stats.Decoded++
	return v, true, nil
}
