// Readbench measures the read step: it writes a record store, reads it back
// through a ReadRecordsStep and reports throughput plus an order-sensitive
// digest of everything released downstream.
//
// Usage:
//
//	go run ./cmd/readbench -records 10000000 -recordsize 32 -prefetch
//
// Options are flags or environment variables (see -help).
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fulldump/goconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"github.com/tamirms/batchimport"
	"github.com/tamirms/batchimport/recordstore"
)

type Config struct {
	Store         string `usage:"existing record store to read; empty generates one in a temp dir"`
	Records       int64  `usage:"number of records to generate"`
	RecordSize    int    `usage:"payload bytes per generated record"`
	PageSize      int    `usage:"page size of the generated store"`
	UnusedEvery   int64  `usage:"mark every Nth generated record unused, 0 for none"`
	Seed          uint32 `usage:"murmur3 seed for generated payloads"`
	BatchSize     int    `usage:"records per batch"`
	Processors    int    `usage:"max number of processors"`
	HighIO        bool   `usage:"storage sustains parallel reads while writing"`
	ParallelReads bool   `usage:"read in parallel outside the record-writing stage"`
	WritingStage  bool   `usage:"run as part of the record-writing stage"`
	Prefetch      bool   `usage:"open read-ahead cursors"`
	KeepUnused    bool   `usage:"keep records that are not in use in batches"`
	Backwards     bool   `usage:"feed id ranges from the high end"`
	Verify        bool   `usage:"compare the digest against a sequential read"`
	LogLevel      string `usage:"log level: debug | info | warn | error"`
}

func main() {
	defaults := batchimport.DefaultConfiguration()
	c := Config{
		Records:       10_000_000,
		RecordSize:    32,
		PageSize:      recordstore.DefaultPageSize,
		Seed:          0x1234,
		BatchSize:     defaults.BatchSize,
		Processors:    defaults.MaxNumberOfProcessors,
		ParallelReads: defaults.ParallelRecordReads,
		Verify:        true,
		LogLevel:      "info",
	}
	goconfig.Read(&c)

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid log level")
	}
	logger.SetLevel(level)

	if err := run(c, logger); err != nil {
		logger.WithError(err).Fatal("readbench failed")
	}
}

func run(c Config, logger *logrus.Logger) error {
	path := c.Store
	if path == "" {
		tmpDir, err := os.MkdirTemp("", "readbench-")
		if err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(tmpDir) }()
		path = filepath.Join(tmpDir, "records.store")

		logger.WithField("records", c.Records).WithField("record_size", c.RecordSize).
			Info("generating store")
		genStart := time.Now()
		if err := generate(path, c); err != nil {
			return err
		}
		logger.WithField("took", time.Since(genStart)).Info("store generated")
	}

	store, err := recordstore.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cfg := batchimport.Configuration{
		BatchSize:             c.BatchSize,
		MaxNumberOfProcessors: c.Processors,
		HighIO:                c.HighIO,
		ParallelRecordReads:   c.ParallelReads,
	}
	policy := batchimport.SkipUnused
	if c.KeepUnused {
		policy = batchimport.KeepUnused
	}

	reg := prometheus.NewRegistry()
	control := batchimport.NewStageControl(context.Background(),
		batchimport.WithLogger(logger),
		batchimport.WithRegisterer(reg))

	runtime.GC()
	res, err := readAll(control, reg, store, cfg, c, policy, logger)
	if err != nil {
		return err
	}

	if c.Verify {
		want, err := sequentialDigest(store, cfg, c.Backwards, policy)
		if err != nil {
			return fmt.Errorf("sequential read: %w", err)
		}
		if want != res.digest {
			return fmt.Errorf("digest mismatch: step %016x, sequential %016x", res.digest, want)
		}
		logger.Info("digest matches sequential read")
	}

	report(c, store, res)
	return nil
}

// generate writes a store whose payloads are murmur3 hashes of the record id.
func generate(path string, c Config) error {
	w, err := recordstore.NewWriter(path, uint64(c.Records), c.RecordSize, recordstore.WithPageSize(c.PageSize))
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	payload := make([]byte, c.RecordSize)
	var idBuf [8]byte
	for id := int64(0); id < c.Records; id++ {
		if c.UnusedEvery > 0 && id%c.UnusedEvery == 0 {
			continue
		}
		binary.LittleEndian.PutUint64(idBuf[:], uint64(id))
		for off := 0; off < len(payload); off += 16 {
			h1, h2 := murmur3.Sum128WithSeed(idBuf[:], c.Seed+uint32(off))
			var block [16]byte
			binary.LittleEndian.PutUint64(block[:8], h1)
			binary.LittleEndian.PutUint64(block[8:], h2)
			copy(payload[off:], block[:])
		}
		if err := w.SetRecord(id, true, payload); err != nil {
			return err
		}
	}
	return w.Finish()
}

type result struct {
	digest   uint64
	batches  int64
	records  int64
	duration time.Duration
	metrics  map[string]float64
}

// digestRecord folds one released record into h.
func digestRecord(h *xxhash.Digest, r *recordstore.Record) {
	var hdr [9]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(r.ID()))
	if r.InUse() {
		hdr[8] = 1
	}
	_, _ = h.Write(hdr[:])
	_, _ = h.Write(r.Data)
}

func idRanges(store *recordstore.Store, cfg batchimport.Configuration, backwards bool) batchimport.RecordIDIterator {
	if backwards {
		return batchimport.Backwards(0, store.HighID(), cfg)
	}
	return batchimport.Forwards(0, store.HighID(), cfg)
}

// readAll runs the step over store. It closes control on every path.
func readAll(control *batchimport.StageControl, reg *prometheus.Registry, store *recordstore.Store,
	cfg batchimport.Configuration, c Config, policy batchimport.UnusedPolicy, logger *logrus.Logger) (res *result, err error) {
	defer func() {
		if closeErr := control.Close(); closeErr != nil {
			res, err = nil, errors.Join(err, closeErr)
		}
	}()

	step, err := batchimport.NewReadRecordsStep[*recordstore.Record](control, cfg, c.WritingStage, store,
		batchimport.NewRecordDataAssembler(store.NewRecord, policy),
		batchimport.WithPrefetch(c.Prefetch))
	if err != nil {
		return nil, err
	}

	res = &result{}
	h := xxhash.New()
	step.SetDownstream(batchimport.DownstreamFunc[[]*recordstore.Record](func(batch []*recordstore.Record) error {
		for _, r := range batch {
			digestRecord(h, r)
		}
		res.batches++
		res.records += int64(len(batch))
		return nil
	}))

	logger.WithField("workers", step.Processors()).
		WithField("batch_size", cfg.BatchSize).
		WithField("prefetch", c.Prefetch).
		Info("reading store")

	start := time.Now()
	if err := step.Start(batchimport.RecycleBatches); err != nil {
		return nil, err
	}
	feedErr := batchimport.Feed(step, idRanges(store, cfg, c.Backwards))
	if err := errors.Join(feedErr, step.Close()); err != nil {
		return nil, err
	}
	res.duration = time.Since(start)
	res.digest = h.Sum64()

	res.metrics, err = gatherMetrics(reg)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// sequentialDigest reads the same units one at a time on the calling
// goroutine, yielding the digest an ordered step must reproduce.
func sequentialDigest(store *recordstore.Store, cfg batchimport.Configuration, backwards bool,
	policy batchimport.UnusedPolicy) (uint64, error) {
	h := xxhash.New()
	record := store.NewRecord()
	ids := idRanges(store, cfg, backwards)
	for {
		unit, ok := ids.NextBatch()
		if !ok {
			return h.Sum64(), nil
		}
		if !unit.HasNext() {
			continue
		}
		id := unit.Next()
		cursor, err := store.OpenPageCursorForReading(id)
		if err != nil {
			return 0, err
		}
		for {
			if err := store.GetRecordByCursor(id, record, recordstore.LoadCheck, cursor); err != nil {
				return 0, errors.Join(err, cursor.Close())
			}
			if policy == batchimport.KeepUnused || record.InUse() {
				digestRecord(h, record)
			}
			if !unit.HasNext() {
				break
			}
			id = unit.Next()
		}
		if err := cursor.Close(); err != nil {
			return 0, err
		}
	}
}

// gatherMetrics sums every counter and gauge in reg by family name.
func gatherMetrics(reg *prometheus.Registry) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}

func report(c Config, store *recordstore.Store, res *result) {
	secs := res.duration.Seconds()
	fmt.Printf("\n")
	fmt.Printf("╔═════════════════════╦══════════════════════╗\n")
	fmt.Printf("║ Metric              ║ Value                ║\n")
	fmt.Printf("╠═════════════════════╬══════════════════════╣\n")
	fmt.Printf("║ Records in store    ║ %-20d ║\n", store.HighID())
	fmt.Printf("║ Records released    ║ %-20d ║\n", res.records)
	fmt.Printf("║ Batches released    ║ %-20d ║\n", res.batches)
	fmt.Printf("║ Read time           ║ %-16.3f sec ║\n", secs)
	fmt.Printf("║ Throughput          ║ %-14.2f M/sec ║\n", float64(store.HighID())/secs/1_000_000)
	fmt.Printf("║ Prefetch            ║ %-20t ║\n", c.Prefetch)
	fmt.Printf("║ Digest              ║ %016x     ║\n", res.digest)
	fmt.Printf("╚═════════════════════╩══════════════════════╝\n")

	names := make([]string, 0, len(res.metrics))
	for name := range res.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-45s %.0f\n", name, res.metrics[name])
	}
}
