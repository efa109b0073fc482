package types

import (
	"image"
	"math"
)

// ImageMetadata holds the acquisition parameters recorded with a micrograph.
// Optional numeric fields are NaN when the source file did not carry them.
type ImageMetadata struct {
	ImagePath         string  `json:"image_path"`
	PixelsWidth       int     `json:"pixels_width"`
	PixelsHeight      int     `json:"pixels_height"`
	FieldOfViewWidth  float64 `json:"field_of_view_width"`  // µm
	FieldOfViewHeight float64 `json:"field_of_view_height"` // µm
	Magnification     float64 `json:"magnification"`
	Mode              string  `json:"mode"` // detector type (SED, BSD, ...)
	HighVoltage       float64 `json:"high_voltage_kv"`
	SpotSize          float64 `json:"spot_size"`
	SamplePositionX   float64 `json:"sample_position_x"` // µm, stage coordinates
	SamplePositionY   float64 `json:"sample_position_y"` // µm
}

// Absent marks an optional numeric field with no recorded value.
func Absent() float64 { return math.NaN() }

// IsAbsent reports whether an optional numeric field carries no value.
func IsAbsent(v float64) bool { return math.IsNaN(v) }

// SameSetting reports whether two optional acquisition settings agree. Two
// absent values are the same setting; plain == would disagree since the
// absent marker never compares equal to itself.
func SameSetting(a, b float64) bool {
	if IsAbsent(a) || IsAbsent(b) {
		return IsAbsent(a) && IsAbsent(b)
	}
	return a == b
}

// Usable reports whether the record carries everything the containment
// engine needs: mode, voltage, a positive magnification, both field of view
// dimensions and both stage coordinates.
func (m *ImageMetadata) Usable() bool {
	if m.Mode == "" || IsAbsent(m.HighVoltage) {
		return false
	}
	if IsAbsent(m.Magnification) || m.Magnification <= 0 {
		return false
	}
	return m.HasGeometry()
}

// HasGeometry reports whether position and field of view are all present,
// the minimum for any stage-space box computation.
func (m *ImageMetadata) HasGeometry() bool {
	return !IsAbsent(m.FieldOfViewWidth) && !IsAbsent(m.FieldOfViewHeight) &&
		!IsAbsent(m.SamplePositionX) && !IsAbsent(m.SamplePositionY)
}

// GeomScore rates geometric containment quality. Lower is better: a
// perfectly centered, full-area containment scores near zero.
type GeomScore float64

// CorrScore is a normalized correlation peak. Higher is better. Never
// compare a CorrScore against a GeomScore.
type CorrScore float64

// MatchSource identifies which signal produced a containment decision.
type MatchSource int

const (
	SourceGeometric MatchSource = iota
	SourceTemplate
	SourceHybrid
)

func (s MatchSource) String() string {
	switch s {
	case SourceGeometric:
		return "geometric"
	case SourceTemplate:
		return "template"
	case SourceHybrid:
		return "hybrid"
	}
	return "unknown"
}

// ContainmentResult is the validator's per-pair verdict. TopLeft and
// BottomRight are pixel coordinates in the low magnification image and are
// only meaningful when Accepted is true.
type ContainmentResult struct {
	Accepted    bool        `json:"accepted"`
	Score       CorrScore   `json:"score"`
	Scale       float64     `json:"scale"`
	TopLeft     image.Point `json:"top_left"`
	BottomRight image.Point `json:"bottom_right"`
	Source      MatchSource `json:"source"`
	Reason      string      `json:"reason,omitempty"`
}

// ContainmentEdge records that ContainedPath lies inside ContainerPath.
// The set of edges asserted for one build forms a forest: every edge points
// from a lower magnification container to a strictly higher magnification
// child, so no path can cycle.
type ContainmentEdge struct {
	ContainerPath string `json:"container"`
	ContainedPath string `json:"contained"`
}

// PairKey identifies an ordered (high, low) image pair for caching.
type PairKey struct {
	HighPath string
	LowPath  string
}

// AcquisitionKey groups images captured with identical detector settings.
// Only images sharing a key are candidates for containment.
type AcquisitionKey struct {
	Mode        string
	HighVoltage float64
	SpotSize    float64
}

// absentKeyMarker stands in for an absent setting inside an AcquisitionKey.
// Keys are compared and used as map indices, where the absent marker never
// equals itself; the instrument never reports negative settings.
const absentKeyMarker = -1

// AcquisitionKeyOf builds the grouping key for a metadata record. Absent
// settings are normalized so records that both omit a setting share a key.
func AcquisitionKeyOf(m *ImageMetadata) AcquisitionKey {
	key := AcquisitionKey{Mode: m.Mode, HighVoltage: m.HighVoltage, SpotSize: m.SpotSize}
	if IsAbsent(key.HighVoltage) {
		key.HighVoltage = absentKeyMarker
	}
	if IsAbsent(key.SpotSize) {
		key.SpotSize = absentKeyMarker
	}
	return key
}

// ImageEntry pairs an image path with its metadata record.
type ImageEntry struct {
	Path string
	Meta *ImageMetadata
}

// RoundMag collapses near-identical magnification readings onto one level so
// grouping by magnification is stable against instrument rounding.
func RoundMag(mag float64) float64 {
	return math.Round(mag)
}
