package metadata

// Suballocation is a contiguous span [Offset, Offset+Size) within a block
type Suballocation struct {
	Offset int
	Size   int
}

// End returns the first offset past the span
func (s Suballocation) End() int {
	return s.Offset + s.Size
}

// Overlaps reports whether the two spans share at least one byte
func (s Suballocation) Overlaps(other Suballocation) bool {
	return s.Offset < other.End() && other.Offset < s.End()
}

// usedBlock is the allocator's record of a granted span. reserved covers every byte taken out
// of the free list for the grant, including alignment padding and absorbed remainders, and is
// what returns to the free list on Free.
type usedBlock struct {
	reserved Suballocation
	size     int
}
