// Package geometry decides stage-space containment between two micrographs
// from their metadata alone: bounding boxes derived from stage position and
// field of view, a margin-shrunk strict containment test, a fit-quality
// score for ranking candidate containers, and the normalized bounding box
// used by rendering collaborators.
package geometry

import (
	"errors"
	"fmt"
	"image"
	"math"

	"maggrid/types"
)

var (
	// ErrMissingMetadata reports that a field required for a genuine
	// geometric check is absent. The evaluator returns Unknown, not false.
	ErrMissingMetadata = errors.New("missing metadata")

	// ErrIncompatibleAcquisition reports a mode, voltage or spot size
	// mismatch between the two images.
	ErrIncompatibleAcquisition = errors.New("incompatible acquisition settings")

	// ErrInsufficientMagRatio reports that the magnification ratio is below
	// the configured minimum.
	ErrInsufficientMagRatio = errors.New("insufficient magnification ratio")
)

// Config holds the geometric containment parameters.
type Config struct {
	// MarginFraction shrinks the container's box inward before testing, so
	// near-flush fits are rejected.
	MarginFraction float64
	// MinMagRatio is the minimum high/low magnification ratio for the
	// containment to be geometrically meaningful.
	MinMagRatio float64
}

// DefaultConfig returns the standard containment parameters.
func DefaultConfig() Config {
	return Config{MarginFraction: 0.10, MinMagRatio: 1.5}
}

// Outcome is the tri-state result of a geometric evaluation.
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// box is an axis-aligned stage-space bounding box.
type box struct {
	left, right, top, bottom float64
}

// stageBox computes the image's bounding box in stage coordinates from its
// center position and field of view.
func stageBox(m *types.ImageMetadata) box {
	return box{
		left:   m.SamplePositionX - m.FieldOfViewWidth/2,
		right:  m.SamplePositionX + m.FieldOfViewWidth/2,
		top:    m.SamplePositionY - m.FieldOfViewHeight/2,
		bottom: m.SamplePositionY + m.FieldOfViewHeight/2,
	}
}

// Evaluate tests whether high's field of view lies strictly inside low's,
// after shrinking low's box by the margin fraction. The boundary is
// exclusive on the margin side: a box exactly on the shrunk edge is
// rejected. A missing numeric field yields Unknown with ErrMissingMetadata
// rather than a silent false.
func Evaluate(low, high *types.ImageMetadata, cfg Config) (Outcome, error) {
	if low.Mode != high.Mode ||
		!types.SameSetting(low.HighVoltage, high.HighVoltage) ||
		!types.SameSetting(low.SpotSize, high.SpotSize) {
		return Rejected, fmt.Errorf("%w: mode %q/%q, voltage %v/%v, spot %v/%v",
			ErrIncompatibleAcquisition,
			low.Mode, high.Mode, low.HighVoltage, high.HighVoltage, low.SpotSize, high.SpotSize)
	}

	if types.IsAbsent(low.Magnification) || types.IsAbsent(high.Magnification) ||
		low.Magnification <= 0 || high.Magnification <= 0 {
		return Unknown, fmt.Errorf("%w: magnification", ErrMissingMetadata)
	}

	ratio := high.Magnification / low.Magnification
	if ratio < cfg.MinMagRatio {
		return Rejected, fmt.Errorf("%w: %.2f (need >= %.2f)", ErrInsufficientMagRatio, ratio, cfg.MinMagRatio)
	}

	if !low.HasGeometry() || !high.HasGeometry() {
		return Unknown, fmt.Errorf("%w: position or field of view", ErrMissingMetadata)
	}

	lowBox := stageBox(low)
	highBox := stageBox(high)

	marginX := low.FieldOfViewWidth * cfg.MarginFraction
	marginY := low.FieldOfViewHeight * cfg.MarginFraction

	contained := highBox.left > lowBox.left+marginX &&
		highBox.right < lowBox.right-marginX &&
		highBox.top > lowBox.top+marginY &&
		highBox.bottom < lowBox.bottom-marginY

	if !contained {
		return Rejected, nil
	}
	return Accepted, nil
}

// Score rates how well container encloses contained. Lower is better. It
// combines centering offset (weight 0.7) with area efficiency (weight 0.3):
// a perfectly centered, full-area containment scores near zero, a tiny
// off-corner one approaches 0.7*2 + 0.3*1.
func Score(container, contained *types.ImageMetadata) (types.GeomScore, error) {
	if !container.HasGeometry() || !contained.HasGeometry() {
		return 0, fmt.Errorf("%w: position or field of view", ErrMissingMetadata)
	}

	offsetX := math.Abs(container.SamplePositionX-contained.SamplePositionX) / (container.FieldOfViewWidth / 2)
	offsetY := math.Abs(container.SamplePositionY-contained.SamplePositionY) / (container.FieldOfViewHeight / 2)

	areaContainer := container.FieldOfViewWidth * container.FieldOfViewHeight
	areaContained := contained.FieldOfViewWidth * contained.FieldOfViewHeight
	sizeRatio := areaContained / areaContainer

	score := 0.7*(offsetX+offsetY) + 0.3*(1-sizeRatio)
	return types.GeomScore(score), nil
}

// Box is an image-relative rectangle with coordinates in [0,1], (0,0) at
// the container's top-left.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// NormalizedBox maps high's stage-space bounding box into low's unit
// square. Coordinates are clamped to [0,1], so the result stays valid even
// when high's true box extends past low's edges.
func NormalizedBox(low, high *types.ImageMetadata) Box {
	lowBox := stageBox(low)
	highBox := stageBox(high)

	return Box{
		X1: clamp01((highBox.left - lowBox.left) / low.FieldOfViewWidth),
		Y1: clamp01((highBox.top - lowBox.top) / low.FieldOfViewHeight),
		X2: clamp01((highBox.right - lowBox.left) / low.FieldOfViewWidth),
		Y2: clamp01((highBox.bottom - lowBox.top) / low.FieldOfViewHeight),
	}
}

// ToPixels converts the normalized box to pixel coordinates in an image of
// the given dimensions.
func (b Box) ToPixels(width, height int) (image.Point, image.Point) {
	topLeft := image.Point{X: int(b.X1 * float64(width)), Y: int(b.Y1 * float64(height))}
	bottomRight := image.Point{X: int(b.X2 * float64(width)), Y: int(b.Y2 * float64(height))}
	return topLeft, bottomRight
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
