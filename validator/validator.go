// Package validator combines the geometric containment evaluator and the
// template search engine into one accept/reject decision per image pair,
// memoized in a per-build cache. The decision policy is an explicit ordered
// rule list so each rule's precondition and outcome can be tested on its
// own.
package validator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"maggrid/geometry"
	"maggrid/logging"
	"maggrid/matching"
	"maggrid/types"
)

// syntheticConfidence is the fixed moderate score assigned to a match
// record synthesized from metadata alone, when geometry accepted but the
// pixels were inconclusive.
const syntheticConfidence = 0.5

// Searcher is the template search dependency. Satisfied by
// *matching.Engine; tests substitute counting stubs.
type Searcher interface {
	Search(lowPath, highPath string, lowMeta, highMeta *types.ImageMetadata) (*matching.Match, error)
}

// Config bundles the two signal configurations.
type Config struct {
	Geometry geometry.Config
	Matching matching.Config
}

// DefaultConfig returns the standard validator parameters.
func DefaultConfig() Config {
	return Config{Geometry: geometry.DefaultConfig(), Matching: matching.DefaultConfig()}
}

// Validator makes hybrid containment decisions.
type Validator struct {
	cfg      Config
	searcher Searcher
	cache    *Cache
}

// New creates a validator. A nil searcher gets the default gocv-backed
// template engine.
func New(cfg Config, searcher Searcher) *Validator {
	if searcher == nil {
		searcher = matching.NewEngine(cfg.Matching, nil)
	}
	return &Validator{cfg: cfg, searcher: searcher, cache: NewCache()}
}

// Cache exposes the validator's result cache.
func (v *Validator) Cache() *Cache { return v.cache }

// ClearCache drops all memoized results. Must run at the start of every
// full hierarchy rebuild.
func (v *Validator) ClearCache() { v.cache.Clear() }

// decision carries the two signal outcomes into the rule list.
type decision struct {
	geom      geometry.Outcome
	match     *matching.Match
	threshold float64
	low, high *types.ImageMetadata
}

// rule is one row of the decision table, checked in order; the first rule
// whose precondition holds decides the pair.
type rule struct {
	name    string
	applies func(*decision) bool
	verdict func(*decision) types.ContainmentResult
}

// decisionRules is the hybrid policy, in priority order. The template
// engine only reports matches above the base threshold, so every rule with
// a match precondition already has moderate visual evidence.
var decisionRules = []rule{
	{
		name: "strong visual evidence",
		applies: func(d *decision) bool {
			return d.match != nil && float64(d.match.Score) > d.threshold*1.5
		},
		verdict: func(d *decision) types.ContainmentResult {
			return matchResult(d.match, types.SourceTemplate)
		},
	},
	{
		name: "both signals agree",
		applies: func(d *decision) bool {
			return d.geom == geometry.Accepted && d.match != nil
		},
		verdict: func(d *decision) types.ContainmentResult {
			return matchResult(d.match, types.SourceHybrid)
		},
	},
	{
		name: "visual evidence alone",
		applies: func(d *decision) bool {
			return d.match != nil
		},
		verdict: func(d *decision) types.ContainmentResult {
			return matchResult(d.match, types.SourceTemplate)
		},
	},
	{
		name: "metadata-only fallback",
		applies: func(d *decision) bool {
			return d.geom == geometry.Accepted && d.match == nil
		},
		verdict: func(d *decision) types.ContainmentResult {
			return syntheticResult(d.low, d.high)
		},
	},
}

// matchResult converts a template match into an accepted verdict.
func matchResult(m *matching.Match, source types.MatchSource) types.ContainmentResult {
	return types.ContainmentResult{
		Accepted:    true,
		Score:       m.Score,
		Scale:       m.Scale,
		TopLeft:     m.TopLeft,
		BottomRight: m.BottomRight,
		Source:      source,
	}
}

// syntheticResult builds a match record purely from the normalized
// bounding-box mapper, for pairs where geometry strongly agreed but the
// pixels were inconclusive (low-texture regions).
func syntheticResult(low, high *types.ImageMetadata) types.ContainmentResult {
	box := geometry.NormalizedBox(low, high)
	topLeft, bottomRight := box.ToPixels(low.PixelsWidth, low.PixelsHeight)
	return types.ContainmentResult{
		Accepted:    true,
		Score:       types.CorrScore(syntheticConfidence),
		Scale:       matching.EstimateScale(low, high),
		TopLeft:     topLeft,
		BottomRight: bottomRight,
		Source:      types.SourceGeometric,
		Reason:      "metadata-only fallback",
	}
}

// ValidateContainment decides whether the high magnification image lies
// inside the low magnification one. Results are memoized per ordered pair.
// Every per-pair failure is downgraded to a rejected result; nothing
// propagates past this boundary.
func (v *Validator) ValidateContainment(lowPath, highPath string, lowMeta, highMeta *types.ImageMetadata) (result types.ContainmentResult) {
	key := types.PairKey{HighPath: highPath, LowPath: lowPath}
	if cached, ok := v.cache.Get(key); ok {
		return cached
	}

	defer func() {
		if r := recover(); r != nil {
			logging.LogError("Panic validating %s in %s: %v", highPath, lowPath, r)
			result = rejected(fmt.Sprintf("internal error: %v", r))
		}
		v.cache.Put(key, result)
		logging.LogPairChecked(highPath, lowPath, result.Accepted, result.Reason)
	}()

	geomOutcome, geomErr := geometry.Evaluate(lowMeta, highMeta, v.cfg.Geometry)
	if geomErr != nil && !errors.Is(geomErr, geometry.ErrMissingMetadata) {
		// Mode/voltage/spot mismatch or an insufficient magnification ratio
		// rules the pair out entirely; visual evidence cannot override an
		// incompatible acquisition group.
		return rejected(geomErr.Error())
	}

	match, searchErr := v.searcher.Search(lowPath, highPath, lowMeta, highMeta)
	if searchErr != nil {
		logging.DebugLog("Template search for %s in %s: %v", highPath, lowPath, searchErr)
	}

	d := &decision{
		geom:      geomOutcome,
		match:     match,
		threshold: v.cfg.Matching.Threshold,
		low:       lowMeta,
		high:      highMeta,
	}

	for _, r := range decisionRules {
		if r.applies(d) {
			res := r.verdict(d)
			if res.Reason == "" {
				res.Reason = r.name
			}
			return res
		}
	}

	reason := "no containment evidence"
	if searchErr != nil {
		reason = searchErr.Error()
	}
	return rejected(reason)
}

func rejected(reason string) types.ContainmentResult {
	return types.ContainmentResult{Accepted: false, Reason: reason}
}

// IsLoadFailure reports whether a rejected result was caused by an
// unreadable pixel source.
func IsLoadFailure(r types.ContainmentResult) bool {
	return !r.Accepted && strings.Contains(r.Reason, matching.ErrImageLoad.Error())
}

// candidate pairs a container entry with its ranking keys.
type candidate struct {
	entry     types.ImageEntry
	result    types.ContainmentResult
	geomScore types.GeomScore
	hasGeom   bool
}

// FindBestContainer returns the best validator-accepted container for the
// high magnification image among the candidates. Candidates with a
// computable geometric fit score are preferred, tightest fit (lowest score)
// first; the rest rank by correlation score, strongest first. Returns nil
// when no candidate is accepted.
func (v *Validator) FindBestContainer(highPath string, highMeta *types.ImageMetadata, candidates []types.ImageEntry) *types.ImageEntry {
	var accepted []candidate

	for _, cand := range candidates {
		res := v.ValidateContainment(cand.Path, highPath, cand.Meta, highMeta)
		if !res.Accepted {
			continue
		}
		c := candidate{entry: cand, result: res}
		if score, err := geometry.Score(cand.Meta, highMeta); err == nil {
			c.geomScore = score
			c.hasGeom = true
		}
		accepted = append(accepted, c)
	}

	if len(accepted) == 0 {
		return nil
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		a, b := accepted[i], accepted[j]
		if a.hasGeom != b.hasGeom {
			return a.hasGeom
		}
		if a.hasGeom {
			return a.geomScore < b.geomScore
		}
		return a.result.Score > b.result.Score
	})

	best := accepted[0].entry
	return &best
}
