// Package scanner performs session folder intake: it walks a microscope
// session directory for TIFF micrographs, extracts acquisition metadata on a
// bounded worker pool, and stores the records for later hierarchy builds.
package scanner

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"maggrid/database"
	"maggrid/logging"
	"maggrid/metadata"
	"maggrid/signalhandler"
	"maggrid/types"
)

// ScanOptions defines the options for a session scan.
type ScanOptions struct {
	FolderPath string
	Workers    int
	DebugMode  bool
	Quiet      bool
	Stop       *signalhandler.StopFlag
}

// ScanResult summarizes one intake pass.
type ScanResult struct {
	Entries  []types.ImageEntry // usable records, path-sorted
	Total    int
	Usable   int
	Rejected int // extracted but missing fields the engine needs
	Errors   int // unreadable files or no embedded metadata
}

// extractOutcome is one file's result flowing to the tracker.
type extractOutcome struct {
	path string
	meta *types.ImageMetadata
	err  error
}

// ScanFolder walks the session folder, extracts metadata from every TIFF
// concurrently and stores the usable records. A nil db skips persistence.
func ScanFolder(db *sql.DB, options ScanOptions) (*ScanResult, error) {
	files, err := collectMicrographs(options.FolderPath)
	if err != nil {
		return nil, err
	}

	printStartupInfo(len(files), options)

	workers := options.Workers
	if workers < 1 {
		workers = signalhandler.GetOptimalProcs()
	}

	tracker := newScanTracker(len(files), options.Quiet)
	defer tracker.stop()

	jobs := make(chan string, len(files))
	outcomes := make(chan extractOutcome, len(files))

	// Each worker owns one exiftool process for the whole scan, so the
	// per-file cost is a pipe round trip, not a process spawn.
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			extractWorker(jobs, outcomes)
		}()
	}

	startTime := time.Now()
	dispatched := 0
	for _, path := range files {
		if options.Stop != nil && options.Stop.Stopped() {
			logging.LogInfo("Scan stopped after %d of %d files", dispatched, len(files))
			break
		}
		jobs <- path
		dispatched++
	}
	close(jobs)

	collectDone := make(chan bool)
	go func() {
		for outcome := range outcomes {
			tracker.record(outcome, db, options.DebugMode)
		}
		collectDone <- true
	}()

	wg.Wait()
	close(outcomes)
	<-collectDone

	result := tracker.result()
	printCompletionStats(result, startTime, options)
	return result, nil
}

// extractWorker pulls paths off the jobs channel with its own extractor.
// When exiftool cannot start at all, every job is reported failed rather
// than silently dropped.
func extractWorker(jobs <-chan string, outcomes chan<- extractOutcome) {
	extractor, err := metadata.NewExtractor()
	if err != nil {
		for path := range jobs {
			outcomes <- extractOutcome{path: path, err: err}
		}
		return
	}
	defer extractor.Close()

	for path := range jobs {
		meta, err := extractor.Extract(path)
		outcomes <- extractOutcome{path: path, meta: meta, err: err}
	}
}

// collectMicrographs walks the folder for TIFF files.
func collectMicrographs(folderPath string) ([]string, error) {
	info, err := os.Stat(folderPath)
	if err != nil {
		return nil, fmt.Errorf("cannot access folder %s: %w", folderPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", folderPath)
	}

	var files []string
	filepath.Walk(folderPath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			if err != nil {
				logging.LogError("Error accessing path %s: %v", path, err)
			}
			return nil
		}
		if isTifFormat(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, nil
}

func isTifFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".tif" || ext == ".tiff"
}

// printStartupInfo displays information about the scan before starting.
func printStartupInfo(total int, options ScanOptions) {
	if options.Quiet {
		return
	}
	fmt.Printf("Starting session intake...\nMicrographs to process: %d\n", total)
	if options.DebugMode {
		fmt.Printf("Debug mode: enabled\n")
		logging.DebugLog("Found %d micrographs under %s", total, options.FolderPath)
	}
}

// scanTracker accumulates outcomes and periodically prints progress.
type scanTracker struct {
	mu       sync.Mutex
	total    int
	usable   int
	rejected int
	errors   int
	entries  []types.ImageEntry
	ticker   *time.Ticker
	done     chan bool
	quiet    bool
	expected int
}

func newScanTracker(expected int, quiet bool) *scanTracker {
	t := &scanTracker{
		ticker:   time.NewTicker(500 * time.Millisecond),
		done:     make(chan bool),
		quiet:    quiet,
		expected: expected,
	}
	go t.displayProgress()
	return t
}

func (t *scanTracker) displayProgress() {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			t.mu.Lock()
			if !t.quiet {
				if t.errors > 0 {
					fmt.Printf("\rProgress: %d/%d (Usable: %d, Errors: %d)",
						t.total, t.expected, t.usable, t.errors)
				} else {
					fmt.Printf("\rProgress: %d/%d (Usable: %d)", t.total, t.expected, t.usable)
				}
			}
			t.mu.Unlock()
		}
	}
}

func (t *scanTracker) record(outcome extractOutcome, db *sql.DB, debugMode bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++

	if outcome.err != nil {
		t.errors++
		logging.LogImageProcessed(outcome.path, false, outcome.err.Error())
		return
	}
	if !outcome.meta.Usable() {
		t.rejected++
		if debugMode {
			logging.DebugLog("Rejecting %s: incomplete acquisition metadata", outcome.path)
		}
		logging.LogImageProcessed(outcome.path, false, "incomplete metadata")
		return
	}

	if db != nil {
		if err := database.StoreImageMetadata(db, outcome.meta); err != nil {
			t.errors++
			logging.LogError("Cannot store metadata for %s: %v", outcome.path, err)
			return
		}
	}

	t.usable++
	t.entries = append(t.entries, types.ImageEntry{Path: outcome.path, Meta: outcome.meta})
	logging.LogImageProcessed(outcome.path, true, "")
}

func (t *scanTracker) result() *ScanResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Path < t.entries[j].Path })
	return &ScanResult{
		Entries:  t.entries,
		Total:    t.total,
		Usable:   t.usable,
		Rejected: t.rejected,
		Errors:   t.errors,
	}
}

func (t *scanTracker) stop() {
	t.ticker.Stop()
	t.done <- true
}

// printCompletionStats displays statistics after the scan completes.
func printCompletionStats(result *ScanResult, startTime time.Time, options ScanOptions) {
	if options.Quiet {
		return
	}
	elapsed := time.Since(startTime)

	fmt.Println("\nIntake complete.")
	fmt.Printf("Processed %d micrographs in %v: %d usable, %d rejected.\n",
		result.Total, elapsed.Round(time.Second), result.Usable, result.Rejected)
	if result.Errors > 0 {
		fmt.Printf("Encountered %d errors during intake.\n", result.Errors)
		fmt.Println("Check the log file for details.")
	}
}
