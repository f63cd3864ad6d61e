package batchimport

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tamirms/batchimport/recordstore"
)

// ---------------------------------------------------------------------------
// Fake store: counts cursor acquire/release and concurrent cursors
// ---------------------------------------------------------------------------

type fakeRecord struct {
	id    int64
	inUse bool
}

func (r *fakeRecord) ID() int64   { return r.id }
func (r *fakeRecord) InUse() bool { return r.inUse }

type fakeStore struct {
	unused   func(id int64) bool
	failOpen func(id int64) error
	failRead func(id int64) error
	delay    func(id int64) time.Duration // applied while the cursor is open

	acquired       atomic.Int64
	released       atomic.Int64
	prefetchOpened atomic.Int64
	open           atomic.Int64
	maxOpen        atomic.Int64
}

type fakeCursor struct {
	store  *fakeStore
	page   int64
	closed atomic.Bool
}

func (c *fakeCursor) Next(pageID int64) (bool, error) {
	c.page = pageID
	return true, nil
}

func (c *fakeCursor) CurrentPageID() int64 { return c.page }

func (c *fakeCursor) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.store.open.Add(-1)
	c.store.released.Add(1)
	return nil
}

func (s *fakeStore) NewRecord() *fakeRecord {
	return &fakeRecord{id: -1}
}

func (s *fakeStore) OpenPageCursorForReading(id int64) (recordstore.PageCursor, error) {
	if s.failOpen != nil {
		if err := s.failOpen(id); err != nil {
			return nil, err
		}
	}
	s.acquired.Add(1)
	n := s.open.Add(1)
	for {
		m := s.maxOpen.Load()
		if n <= m || s.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay != nil {
		time.Sleep(s.delay(id))
	}
	return &fakeCursor{store: s, page: id}, nil
}

func (s *fakeStore) OpenPageCursorForReadingWithPrefetching(id int64) (recordstore.PageCursor, error) {
	s.prefetchOpened.Add(1)
	return s.OpenPageCursorForReading(id)
}

func (s *fakeStore) GetRecordByCursor(id int64, record *fakeRecord, mode recordstore.RecordLoad, cursor recordstore.PageCursor) error {
	if s.failRead != nil {
		if err := s.failRead(id); err != nil {
			return err
		}
	}
	record.id = id
	record.inUse = s.unused == nil || !s.unused(id)
	return nil
}

// ---------------------------------------------------------------------------
// Downstream collectors
// ---------------------------------------------------------------------------

// collector records the ids of every batch it receives, then recycles it.
type collector[R Record] struct {
	control *StageControl
	recycle bool

	mu      sync.Mutex
	batches [][]int64
	inUse   [][]bool
}

func newCollector[R Record](control *StageControl) *collector[R] {
	return &collector[R]{control: control, recycle: true}
}

func (c *collector[R]) Receive(batch []R) error {
	ids := make([]int64, len(batch))
	inUse := make([]bool, len(batch))
	for i, r := range batch {
		ids[i] = r.ID()
		inUse[i] = r.InUse()
	}
	c.mu.Lock()
	c.batches = append(c.batches, ids)
	c.inUse = append(c.inUse, inUse)
	c.mu.Unlock()
	if c.recycle {
		Recycle(c.control, batch)
	}
	return nil
}

func (c *collector[R]) result() [][]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

// ---------------------------------------------------------------------------
// Real store helpers
// ---------------------------------------------------------------------------

const testRecordSize = 24

// testPayload encodes id in the first 8 payload bytes.
func testPayload(id int64) []byte {
	p := make([]byte, testRecordSize)
	binary.LittleEndian.PutUint64(p, uint64(id))
	binary.LittleEndian.PutUint64(p[8:], uint64(id)*31)
	return p
}

// writeStore writes numRecords records with small pages so units span
// several pages. Ids for which unused returns true are left not in use.
func writeStore(t *testing.T, numRecords int, unused func(int64) bool) *recordstore.Store {
	t.Helper()
	return openStore(t, writeStoreFile(t, numRecords, unused))
}

// testPageSize gives 15 slots of testRecordSize per page.
const testPageSize = 512

func writeStoreFile(t *testing.T, numRecords int, unused func(int64) bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.store")
	w, err := recordstore.NewWriter(path, uint64(numRecords), testRecordSize, recordstore.WithPageSize(testPageSize))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	for id := int64(0); id < int64(numRecords); id++ {
		if unused != nil && unused(id) {
			continue
		}
		if err := w.SetRecord(id, true, testPayload(id)); err != nil {
			t.Fatalf("SetRecord(%d): %v", id, err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return path
}

func openStore(t *testing.T, path string, opts ...recordstore.OpenOption) *recordstore.Store {
	t.Helper()
	s, err := recordstore.Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("store Close: %v", err)
		}
	})
	return s
}

func newTestControl(t *testing.T, opts ...ControlOption) *StageControl {
	t.Helper()
	control := NewStageControl(context.Background(), opts...)
	t.Cleanup(func() { _ = control.Close() })
	return control
}

func testConfig(batchSize int) Configuration {
	return Configuration{
		BatchSize:             batchSize,
		MaxNumberOfProcessors: 4,
		ParallelRecordReads:   true,
	}
}

// runStep starts step, feeds it ids and closes it, returning the joined errors.
func runStep[R Record](t *testing.T, step *ReadRecordsStep[R], downstream Downstream[[]R], ordering Ordering, ids RecordIDIterator) error {
	t.Helper()
	step.SetDownstream(downstream)
	if err := step.Start(ordering); err != nil {
		t.Fatalf("Start: %v", err)
	}
	feedErr := Feed(step, ids)
	closeErr := step.Close()
	if feedErr != nil {
		return feedErr
	}
	return closeErr
}

// units is a RecordIDIterator over a fixed list of units.
type units struct {
	list []LongIterator
}

func unitsOf(list ...LongIterator) *units {
	return &units{list: list}
}

func (u *units) NextBatch() (LongIterator, bool) {
	if len(u.list) == 0 {
		return nil, false
	}
	next := u.list[0]
	u.list = u.list[1:]
	return next, true
}
