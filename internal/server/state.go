package server

import "github.com/dieterichlawson/replfs/internal/wire"

// fileEntry is the server's per-file state. staged is always kept
// sorted by WriteNum with no duplicate WriteNums.
type fileEntry struct {
	filename  string
	commitNum wire.CommitNum
	staged    []wire.WriteBlock
}

// insertStaged inserts w into e.staged in WriteNum order. It is a
// no-op (duplicate write, silently dropped) if a write with the same
// WriteNum is already staged.
func (e *fileEntry) insertStaged(w wire.WriteBlock) (inserted bool) {
	i := 0
	for i < len(e.staged) {
		if e.staged[i].WriteNum == w.WriteNum {
			return false
		}
		if e.staged[i].WriteNum > w.WriteNum {
			break
		}
		i++
	}
	e.staged = append(e.staged, wire.WriteBlock{})
	copy(e.staged[i+1:], e.staged[i:])
	e.staged[i] = w
	return true
}

// missingBitmap builds the 128-bit resend bitmap: all bits set except
// the WriteNums already present in e.staged.
func (e *fileEntry) missingBitmap() wire.Bitmap128 {
	bm := wire.AllNeeded()
	for _, w := range e.staged {
		bm.Clear(uint8(w.WriteNum))
	}
	return bm
}
