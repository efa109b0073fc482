package validator

import (
	"fmt"
	"testing"

	"maggrid/matching"
	"maggrid/signalhandler"
	"maggrid/types"
)

func makeEntries(n int) []types.ImageEntry {
	entries := []types.ImageEntry{
		{Path: "overview.tif", Meta: makeMeta(100, 1000, 0, 0)},
	}
	for i := 0; i < n; i++ {
		entries = append(entries, types.ImageEntry{
			Path: fmt.Sprintf("detail_%03d.tif", i),
			Meta: makeMeta(2000, 50, float64(i), float64(i)),
		})
	}
	return entries
}

func TestEnumeratePairs(t *testing.T) {
	entries := makeEntries(2)

	pairs := EnumeratePairs(entries)

	// Each detail pairs against the overview only: details share a
	// magnification, and the overview is never the high side.
	if len(pairs) != 2 {
		t.Fatalf("pairs: got %d, want 2", len(pairs))
	}
	for _, p := range pairs {
		if p.LowPath != "overview.tif" {
			t.Errorf("low side: got %s, want overview.tif", p.LowPath)
		}
	}
}

func TestEnumeratePairs_SkipsIncompatibleAndUnusable(t *testing.T) {
	entries := makeEntries(1)

	otherMode := makeMeta(2000, 50, 0, 0)
	otherMode.Mode = "BSD"
	noMag := makeMeta(2000, 50, 0, 0)
	noMag.Magnification = types.Absent()

	entries = append(entries,
		types.ImageEntry{Path: "other_mode.tif", Meta: otherMode},
		types.ImageEntry{Path: "no_mag.tif", Meta: noMag},
	)

	pairs := EnumeratePairs(entries)
	for _, p := range pairs {
		if p.HighPath == "other_mode.tif" || p.HighPath == "no_mag.tif" ||
			p.LowPath == "other_mode.tif" || p.LowPath == "no_mag.tif" {
			t.Errorf("pair %s in %s should have been filtered out", p.HighPath, p.LowPath)
		}
	}
}

func TestEnumeratePairs_AbsentSpotSizesPairTogether(t *testing.T) {
	// Sessions from instruments that record no spot size must still pair.
	overview := makeMeta(100, 1000, 0, 0)
	overview.SpotSize = types.Absent()
	detail := makeMeta(2000, 50, 0, 0)
	detail.SpotSize = types.Absent()

	pairs := EnumeratePairs([]types.ImageEntry{
		{Path: "detail.tif", Meta: detail},
		{Path: "overview.tif", Meta: overview},
	})
	if len(pairs) != 1 {
		t.Fatalf("pairs: got %d, want 1", len(pairs))
	}
	if pairs[0].HighPath != "detail.tif" || pairs[0].LowPath != "overview.tif" {
		t.Errorf("pair: got %s in %s", pairs[0].HighPath, pairs[0].LowPath)
	}
}

func TestRunBatch_CountsMatches(t *testing.T) {
	stub := &stubSearcher{match: cannedMatch(0.9)}
	v := New(DefaultConfig(), stub)

	pairs := EnumeratePairs(makeEntries(5))
	summary := v.RunBatch(pairs, BatchOptions{Workers: 2, Quiet: true})

	if summary.PairsChecked != len(pairs) {
		t.Errorf("pairs checked: got %d, want %d", summary.PairsChecked, len(pairs))
	}
	if summary.Matches != len(pairs) {
		t.Errorf("matches: got %d, want %d", summary.Matches, len(pairs))
	}
	if summary.Stopped {
		t.Error("batch reported stopped without a stop request")
	}
	if len(summary.Results) != len(pairs) {
		t.Errorf("results: got %d, want %d", len(summary.Results), len(pairs))
	}
}

func TestRunBatch_CountsLoadFailures(t *testing.T) {
	stub := &stubSearcher{err: fmt.Errorf("%w: no pixels", matching.ErrImageLoad)}
	v := New(DefaultConfig(), stub)

	// Positions outside the container, so the geometric fallback cannot
	// rescue the unreadable pairs.
	pairs := []Pair{{
		LowPath:  "overview.tif",
		HighPath: "detail.tif",
		LowMeta:  makeMeta(100, 1000, 0, 0),
		HighMeta: makeMeta(2000, 50, 5000, 5000),
	}}

	summary := v.RunBatch(pairs, BatchOptions{Workers: 1, Quiet: true})
	if summary.LoadFailures != 1 {
		t.Errorf("load failures: got %d, want 1", summary.LoadFailures)
	}
}

func TestRunBatch_StopBeforeStart(t *testing.T) {
	stub := &stubSearcher{match: cannedMatch(0.9)}
	v := New(DefaultConfig(), stub)

	stop := &signalhandler.StopFlag{}
	stop.Stop()

	pairs := EnumeratePairs(makeEntries(20))
	summary := v.RunBatch(pairs, BatchOptions{Workers: 2, Quiet: true, Stop: stop})

	if !summary.Stopped {
		t.Error("batch should report it was stopped")
	}
	if summary.PairsChecked != 0 {
		t.Errorf("pairs checked: got %d, want 0", summary.PairsChecked)
	}
}

// stoppingSearcher flips the stop flag after a fixed number of searches,
// from inside an evaluation, the way a signal would land mid-batch.
type stoppingSearcher struct {
	stubSearcher
	stop  *signalhandler.StopFlag
	after int
}

func (s *stoppingSearcher) Search(lowPath, highPath string, lowMeta, highMeta *types.ImageMetadata) (*matching.Match, error) {
	m, err := s.stubSearcher.Search(lowPath, highPath, lowMeta, highMeta)
	if s.calls >= s.after {
		s.stop.Stop()
	}
	return m, err
}

func TestRunBatch_StopBoundsWork(t *testing.T) {
	stop := &signalhandler.StopFlag{}
	stub := &stoppingSearcher{
		stubSearcher: stubSearcher{match: cannedMatch(0.9)},
		stop:         stop,
		after:        3,
	}
	v := New(DefaultConfig(), stub)

	pairs := EnumeratePairs(makeEntries(100))
	summary := v.RunBatch(pairs, BatchOptions{Workers: 1, Quiet: true, Stop: stop})

	if !summary.Stopped {
		t.Error("batch should report it was stopped")
	}
	// The dispatcher may have committed to one more pair before seeing
	// the flag; in-flight evaluations finish, nothing new starts.
	if summary.PairsChecked > 10 {
		t.Errorf("pairs checked: got %d, want <= 10", summary.PairsChecked)
	}
	if v.Cache().Len() > 10 {
		t.Errorf("cache entries after stop: got %d, want <= 10", v.Cache().Len())
	}
}
