package plan

import "fmt"

// Ref is an unresolved constant pool reference. It is only valid while the
// chunk it was read from is being decoded.
type Ref struct {
	Type int64
	ID   int64

	gen uint64
}

func (r Ref) String() string { return fmt.Sprintf("ref(%d:%d)", r.Type, r.ID) }

// Valid reports whether r was read from a recording.
func (r Ref) Valid() bool { return r.gen != 0 }
