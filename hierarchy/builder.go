// Package hierarchy assembles magnification chains from a validated image
// set: images are grouped by acquisition settings, partitioned into rounded
// magnification levels, and linked top-down so every chain runs from the
// highest magnification view to the widest field of view that contains it.
package hierarchy

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"maggrid/logging"
	"maggrid/signalhandler"
	"maggrid/types"
	"maggrid/validator"
)

// Config holds the hierarchy build parameters.
type Config struct {
	// Workers bounds the number of acquisition groups processed in
	// parallel. Zero picks a CPU-derived default.
	Workers int
}

// Builder constructs magnification chains using a shared validator.
type Builder struct {
	cfg       Config
	validator *validator.Validator
}

// NewBuilder creates a hierarchy builder around the given validator.
func NewBuilder(cfg Config, v *validator.Validator) *Builder {
	return &Builder{cfg: cfg, validator: v}
}

// group is one acquisition-compatible image set, partitioned by level.
type group struct {
	key    types.AcquisitionKey
	images []types.ImageEntry
	levels []float64                     // rounded magnifications, descending
	byMag  map[float64][]types.ImageEntry // level -> path-sorted entries
}

// Build assembles all magnification chains for the image set. Images
// without a usable magnification are skipped. The validator cache is
// cleared first so a rebuild never reuses verdicts from different
// settings. Returns only chains that establish at least one containment
// edge.
func (b *Builder) Build(images []types.ImageEntry, stop *signalhandler.StopFlag) []*types.Collection {
	b.validator.ClearCache()

	groups := partition(images)
	logging.LogInfo("Building hierarchy: %d images in %d acquisition groups", len(images), len(groups))

	workers := b.cfg.Workers
	if workers < 1 {
		workers = signalhandler.GetOptimalProcs()
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, workers)
	perGroup := make([][]*types.Collection, len(groups))

	for i, g := range groups {
		if stop != nil && stop.Stopped() {
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(idx int, g *group) {
			defer wg.Done()
			defer func() { <-semaphore }()
			perGroup[idx] = b.buildGroup(g, stop)
		}(i, g)
	}
	wg.Wait()

	var collections []*types.Collection
	for _, cols := range perGroup {
		collections = append(collections, cols...)
	}

	logging.LogInfo("Hierarchy build complete: %d chains", len(collections))
	return collections
}

// buildGroup assembles the chains of one acquisition group. Only images at
// the group's highest magnification level seed chains; wider views enter
// chains as containers, so one overview can serve several chains.
func (b *Builder) buildGroup(g *group, stop *signalhandler.StopFlag) []*types.Collection {
	if len(g.levels) == 0 {
		return nil
	}

	var collections []*types.Collection
	topLevel := g.levels[0]

	for _, seed := range g.byMag[topLevel] {
		if stop != nil && stop.Stopped() {
			return collections
		}

		chain := b.buildChain(g, seed, topLevel, stop)
		if !chain.IsValid() {
			continue
		}
		collections = append(collections, chain)
		logging.DebugLog("Chain %s: %d images across %d levels",
			chain.Name, chain.Len(), len(chain.MagLevels))
	}
	return collections
}

// buildChain descends from the seed one level at a time, linking each
// image to its best container at the next lower magnification. The chain
// ends at the first level with no accepted container; levels are never
// skipped.
func (b *Builder) buildChain(g *group, seed types.ImageEntry, seedLevel float64, stop *signalhandler.StopFlag) *types.Collection {
	chain := types.NewCollection(chainName(seed.Path), g.key)
	chain.AddImage(seed.Path, seed.Meta.Magnification)

	current := seed
	levelIdx := levelIndex(g.levels, seedLevel)

	for next := levelIdx + 1; next < len(g.levels); next++ {
		if stop != nil && stop.Stopped() {
			break
		}

		candidates := g.byMag[g.levels[next]]
		container := b.validator.FindBestContainer(current.Path, current.Meta, candidates)
		if container == nil {
			break
		}

		chain.AddImage(container.Path, container.Meta.Magnification)
		chain.AddEdge(container.Path, current.Path)
		current = *container
	}
	return chain
}

// partition splits the usable images into acquisition groups with
// deterministic group and per-level ordering.
func partition(images []types.ImageEntry) []*group {
	byKey := make(map[types.AcquisitionKey]*group)
	for _, entry := range images {
		if entry.Meta == nil || types.IsAbsent(entry.Meta.Magnification) || entry.Meta.Magnification <= 0 {
			logging.DebugLog("Skipping %s: no usable magnification", entry.Path)
			continue
		}
		key := types.AcquisitionKeyOf(entry.Meta)
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key, byMag: make(map[float64][]types.ImageEntry)}
			byKey[key] = g
		}
		g.images = append(g.images, entry)
		level := types.RoundMag(entry.Meta.Magnification)
		g.byMag[level] = append(g.byMag[level], entry)
	}

	groups := make([]*group, 0, len(byKey))
	for _, g := range byKey {
		for level := range g.byMag {
			g.levels = append(g.levels, level)
			sort.Slice(g.byMag[level], func(i, j int) bool {
				return g.byMag[level][i].Path < g.byMag[level][j].Path
			})
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(g.levels)))
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].key, groups[j].key
		if a.Mode != b.Mode {
			return a.Mode < b.Mode
		}
		if a.HighVoltage != b.HighVoltage {
			return a.HighVoltage < b.HighVoltage
		}
		return a.SpotSize < b.SpotSize
	})
	return groups
}

func levelIndex(levels []float64, level float64) int {
	for i, l := range levels {
		if l == level {
			return i
		}
	}
	return len(levels)
}

// chainName derives a stable collection name from the seed image.
func chainName(seedPath string) string {
	base := filepath.Base(seedPath)
	return "chain_" + strings.TrimSuffix(base, filepath.Ext(base))
}
