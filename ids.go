package batchimport

// LongIterator is a lazy, forward-only sequence of record ids. It is consumed
// exactly once.
type LongIterator interface {
	HasNext() bool
	Next() int64
}

// rangeIterator yields [next, end).
type rangeIterator struct {
	next, end int64
}

// Range returns the ids in [from, to). An empty or inverted range yields nothing.
func Range(from, to int64) LongIterator {
	return &rangeIterator{next: from, end: to}
}

func (r *rangeIterator) HasNext() bool {
	return r.next < r.end
}

func (r *rangeIterator) Next() int64 {
	id := r.next
	r.next++
	return id
}

// sliceIterator yields a fixed list of ids.
type sliceIterator struct {
	ids []int64
	pos int
}

// IDs returns an iterator over ids. Callers pass ids in increasing order.
func IDs(ids ...int64) LongIterator {
	return &sliceIterator{ids: ids}
}

func (s *sliceIterator) HasNext() bool {
	return s.pos < len(s.ids)
}

func (s *sliceIterator) Next() int64 {
	id := s.ids[s.pos]
	s.pos++
	return id
}

// RecordIDIterator produces the units a read step processes, one id range
// per call.
type RecordIDIterator interface {
	// NextBatch returns the next unit, or false once exhausted.
	NextBatch() (LongIterator, bool)
}

type forwardIDs struct {
	next, high, size int64
}

// Forwards splits [low, high) into ascending units of cfg.BatchSize ids.
func Forwards(low, high int64, cfg Configuration) RecordIDIterator {
	return &forwardIDs{next: low, high: high, size: int64(max(cfg.BatchSize, 1))}
}

func (f *forwardIDs) NextBatch() (LongIterator, bool) {
	if f.next >= f.high {
		return nil, false
	}
	from := f.next
	f.next = min(from+f.size, f.high)
	return Range(from, f.next), true
}

type backwardIDs struct {
	low, next, size int64
}

// Backwards splits [low, high) into units of cfg.BatchSize ids, starting at
// the high end. Unit boundaries match Forwards, so the short unit, if any,
// comes first. Ids inside each unit are still ascending.
func Backwards(low, high int64, cfg Configuration) RecordIDIterator {
	return &backwardIDs{low: low, next: high, size: int64(max(cfg.BatchSize, 1))}
}

func (b *backwardIDs) NextBatch() (LongIterator, bool) {
	if b.next <= b.low {
		return nil, false
	}
	to := b.next
	from := b.low + ((to-1-b.low)/b.size)*b.size
	b.next = from
	return Range(from, to), true
}
