package store

import "fmt"

// MaxOrderMs bounds the absolute value of order timestamps so that scores
// keep a fixed-width encoding.
const MaxOrderMs int64 = 1_000_000_000_000_000

// Score orders the jobs of a group: by OrderMs, then by Seq.
type Score struct {
	OrderMs int64
	Seq     uint64
}

// Less reports whether s sorts before o.
func (s Score) Less(o Score) bool {
	if s.OrderMs != o.OrderMs {
		return s.OrderMs < o.OrderMs
	}
	return s.Seq < o.Seq
}

// Key returns a fixed-width encoding of s whose lexicographic order is the
// score order.
func (s Score) Key() string {
	return fmt.Sprintf("%016d%020d", s.OrderMs+MaxOrderMs, s.Seq)
}

// String implements fmt.Stringer.
func (s Score) String() string {
	return fmt.Sprintf("%d:%d", s.OrderMs, s.Seq)
}
