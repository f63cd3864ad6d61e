// Package batchimport implements the record-reading step of a staged bulk
// importer: id ranges go in, batches of records read from a paged store come
// out, in the order the ranges went in.
//
// # Basic Usage
//
//	store, err := recordstore.Open("nodes.store")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	control := batchimport.NewStageControl(ctx)
//	defer control.Close()
//
//	cfg := batchimport.DefaultConfiguration()
//	step, err := batchimport.NewReadRecordsStep[*recordstore.Record](control, cfg, false, store, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	step.SetDownstream(batchimport.DownstreamFunc[[]*recordstore.Record](func(batch []*recordstore.Record) error {
//	    // consume batch, then hand it back
//	    batchimport.Recycle(control, batch)
//	    return nil
//	}))
//	if err := step.Start(0); err != nil {
//	    log.Fatal(err)
//	}
//	feedErr := batchimport.Feed(step, batchimport.Forwards(0, store.HighID(), cfg))
//	if err := errors.Join(feedErr, step.Close()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Package Structure
//
//   - Step: read_records_step.go (ReadRecordsStep), step.go (worker pool,
//     tickets, Ordering), sender.go (in-order release)
//   - Assembly: assembler.go (RecordAssembler, UnusedPolicy)
//   - Coordination: stage_control.go (fatal errors, lifecycle), batch_pool.go
//     (Reuse, Recycle), metrics.go
//   - Input: ids.go (LongIterator, Forwards, Backwards), feed.go
//   - Configuration: config.go (Configuration, parallelism policy)
//   - Storage: recordstore/ (memory-mapped paged store and its writer)
package batchimport
