package types

import "sort"

// Collection is one magnification chain assembled by the hierarchy builder:
// a set of images grouped by magnification level plus the parent→children
// containment edges asserted between them.
type Collection struct {
	Name      string               `json:"name"`
	Key       AcquisitionKey       `json:"acquisition_key"`
	Images    []string             `json:"images"`
	MagLevels map[float64][]string `json:"magnification_levels"`
	Hierarchy map[string][]string  `json:"hierarchy"` // container path -> contained paths
}

// NewCollection creates an empty collection for one acquisition group.
func NewCollection(name string, key AcquisitionKey) *Collection {
	return &Collection{
		Name:      name,
		Key:       key,
		MagLevels: make(map[float64][]string),
		Hierarchy: make(map[string][]string),
	}
}

// AddImage records an image at its magnification level. Duplicate adds are
// ignored.
func (c *Collection) AddImage(path string, magnification float64) {
	for _, p := range c.Images {
		if p == path {
			return
		}
	}
	c.Images = append(c.Images, path)
	mag := RoundMag(magnification)
	c.MagLevels[mag] = append(c.MagLevels[mag], path)
}

// AddEdge asserts that contained lies inside container.
func (c *Collection) AddEdge(container, contained string) {
	for _, child := range c.Hierarchy[container] {
		if child == contained {
			return
		}
	}
	c.Hierarchy[container] = append(c.Hierarchy[container], contained)
}

// Edges flattens the hierarchy map into edge records, ordered by container
// path for deterministic output.
func (c *Collection) Edges() []ContainmentEdge {
	parents := make([]string, 0, len(c.Hierarchy))
	for p := range c.Hierarchy {
		parents = append(parents, p)
	}
	sort.Strings(parents)

	var edges []ContainmentEdge
	for _, p := range parents {
		for _, child := range c.Hierarchy[p] {
			edges = append(edges, ContainmentEdge{ContainerPath: p, ContainedPath: child})
		}
	}
	return edges
}

// SortedMagnifications returns the collection's magnification levels from
// lowest to highest.
func (c *Collection) SortedMagnifications() []float64 {
	mags := make([]float64, 0, len(c.MagLevels))
	for mag := range c.MagLevels {
		mags = append(mags, mag)
	}
	sort.Float64s(mags)
	return mags
}

// ImagesAt returns the images recorded at one magnification level.
func (c *Collection) ImagesAt(magnification float64) []string {
	return c.MagLevels[RoundMag(magnification)]
}

// Len returns the number of images in the collection.
func (c *Collection) Len() int { return len(c.Images) }

// IsValid reports whether the collection establishes at least one
// containment relationship (two or more images).
func (c *Collection) IsValid() bool { return len(c.Images) >= 2 }
