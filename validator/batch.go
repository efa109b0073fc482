package validator

import (
	"fmt"
	"sync"
	"time"

	"maggrid/logging"
	"maggrid/signalhandler"
	"maggrid/types"
)

// Pair is one (high in low?) candidate evaluation.
type Pair struct {
	LowPath  string
	HighPath string
	LowMeta  *types.ImageMetadata
	HighMeta *types.ImageMetadata
}

// BatchOptions configures a batch validation run.
type BatchOptions struct {
	Workers  int
	Stop     *signalhandler.StopFlag
	Progress func(checked, total int) // optional caller progress callback
	Quiet    bool                     // suppress the terminal progress line
}

// BatchSummary reports the outcome of a batch run.
type BatchSummary struct {
	PairsChecked int
	Matches      int
	LoadFailures int
	Stopped      bool
	Results      map[types.PairKey]types.ContainmentResult
}

// pairResult flows from the workers to the progress tracker.
type pairResult struct {
	pair   Pair
	result types.ContainmentResult
}

// batchTracker accumulates results and periodically prints progress, in the
// manner of a long-running scan.
type batchTracker struct {
	mu       sync.Mutex
	checked  int
	matches  int
	failures int
	total    int
	ticker   *time.Ticker
	done     chan bool
	quiet    bool
	progress func(checked, total int)
	results  map[types.PairKey]types.ContainmentResult
}

func newBatchTracker(total int, opts BatchOptions) *batchTracker {
	t := &batchTracker{
		total:    total,
		ticker:   time.NewTicker(500 * time.Millisecond),
		done:     make(chan bool),
		quiet:    opts.Quiet,
		progress: opts.Progress,
		results:  make(map[types.PairKey]types.ContainmentResult),
	}
	go t.displayProgress()
	return t
}

func (t *batchTracker) displayProgress() {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			t.mu.Lock()
			if !t.quiet {
				if t.failures > 0 {
					fmt.Printf("\rProgress: %d/%d (Matches: %d, Load failures: %d)",
						t.checked, t.total, t.matches, t.failures)
				} else {
					fmt.Printf("\rProgress: %d/%d (Matches: %d)", t.checked, t.total, t.matches)
				}
			}
			t.mu.Unlock()
		}
	}
}

func (t *batchTracker) record(r pairResult) {
	t.mu.Lock()
	t.checked++
	if r.result.Accepted {
		t.matches++
	} else if IsLoadFailure(r.result) {
		t.failures++
	}
	t.results[types.PairKey{HighPath: r.pair.HighPath, LowPath: r.pair.LowPath}] = r.result
	checked := t.checked
	t.mu.Unlock()

	if t.progress != nil {
		t.progress(checked, t.total)
	}
}

func (t *batchTracker) stop() {
	t.ticker.Stop()
	t.done <- true
}

// RunBatch evaluates every pair on a bounded worker pool. Pairs are
// independent apart from cache writes, so they run in parallel; the stop
// flag is checked before each dispatch and in-flight evaluations are
// allowed to finish. One unreadable image never aborts the batch.
func (v *Validator) RunBatch(pairs []Pair, opts BatchOptions) BatchSummary {
	if opts.Workers < 1 {
		opts.Workers = signalhandler.GetOptimalProcs()
	}

	tracker := newBatchTracker(len(pairs), opts)
	defer tracker.stop()

	var wg sync.WaitGroup
	resultsChan := make(chan pairResult, len(pairs))
	semaphore := make(chan struct{}, opts.Workers)

	collectDone := make(chan bool)
	go func() {
		for r := range resultsChan {
			tracker.record(r)
		}
		collectDone <- true
	}()

	stopped := false
	dispatched := 0
	for _, pair := range pairs {
		if opts.Stop != nil && opts.Stop.Stopped() {
			logging.LogInfo("Batch validation stopped after %d dispatches", dispatched)
			stopped = true
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}
		dispatched++

		go func(p Pair) {
			defer wg.Done()
			defer func() { <-semaphore }()

			res := v.ValidateContainment(p.LowPath, p.HighPath, p.LowMeta, p.HighMeta)
			resultsChan <- pairResult{pair: p, result: res}
		}(pair)
	}

	wg.Wait()
	close(resultsChan)
	<-collectDone

	tracker.mu.Lock()
	summary := BatchSummary{
		PairsChecked: tracker.checked,
		Matches:      tracker.matches,
		LoadFailures: tracker.failures,
		Stopped:      stopped,
		Results:      tracker.results,
	}
	tracker.mu.Unlock()

	return summary
}

// EnumeratePairs builds the candidate pair list for a set of images: every
// image against every compatible image at a lower magnification level.
// Output order is deterministic (inputs are assumed path-sorted).
func EnumeratePairs(images []types.ImageEntry) []Pair {
	var pairs []Pair
	for _, high := range images {
		for _, low := range images {
			if high.Path == low.Path {
				continue
			}
			if types.IsAbsent(high.Meta.Magnification) || types.IsAbsent(low.Meta.Magnification) {
				continue
			}
			if high.Meta.Magnification <= low.Meta.Magnification {
				continue
			}
			if types.AcquisitionKeyOf(high.Meta) != types.AcquisitionKeyOf(low.Meta) {
				continue
			}
			pairs = append(pairs, Pair{
				LowPath:  low.Path,
				HighPath: high.Path,
				LowMeta:  low.Meta,
				HighMeta: high.Meta,
			})
		}
	}
	return pairs
}
