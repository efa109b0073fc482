package geometry

import (
	"errors"
	"image"
	"math"
	"testing"

	"maggrid/types"
)

// makeMeta builds a complete metadata record centered at (posX, posY).
func makeMeta(mag, fovW, fovH, posX, posY float64) *types.ImageMetadata {
	return &types.ImageMetadata{
		PixelsWidth:       1024,
		PixelsHeight:      943,
		FieldOfViewWidth:  fovW,
		FieldOfViewHeight: fovH,
		Magnification:     mag,
		Mode:              "SED",
		HighVoltage:       15,
		SpotSize:          3.3,
		SamplePositionX:   posX,
		SamplePositionY:   posY,
	}
}

func TestEvaluate_Contained(t *testing.T) {
	low := makeMeta(100, 1000, 1000, 0, 0)
	high := makeMeta(2000, 50, 50, 10, -10)

	outcome, err := Evaluate(low, high, DefaultConfig())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcome != Accepted {
		t.Errorf("outcome: got %s, want accepted", outcome)
	}
}

func TestEvaluate_MarginBoundary(t *testing.T) {
	// Low FOV 100 centered at 0: the 10% margin shrinks the box to ±40.
	low := makeMeta(100, 100, 100, 0, 0)

	tests := []struct {
		name    string
		highFOV float64
		want    Outcome
	}{
		// High box edges land exactly on ±40; the boundary is exclusive.
		{"exactly on margin", 80, Rejected},
		{"just inside margin", 79.9, Accepted},
		{"just outside margin", 80.1, Rejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			high := makeMeta(1000, tt.highFOV, tt.highFOV, 0, 0)
			outcome, err := Evaluate(low, high, DefaultConfig())
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if outcome != tt.want {
				t.Errorf("outcome: got %s, want %s", outcome, tt.want)
			}
		})
	}
}

func TestEvaluate_IncompatibleAcquisition(t *testing.T) {
	low := makeMeta(100, 1000, 1000, 0, 0)

	tests := []struct {
		name   string
		modify func(*types.ImageMetadata)
	}{
		{"mode mismatch", func(m *types.ImageMetadata) { m.Mode = "BSD" }},
		{"voltage mismatch", func(m *types.ImageMetadata) { m.HighVoltage = 10 }},
		{"spot size mismatch", func(m *types.ImageMetadata) { m.SpotSize = 4.5 }},
		{"spot size absent on one side", func(m *types.ImageMetadata) { m.SpotSize = types.Absent() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			high := makeMeta(2000, 50, 50, 0, 0)
			tt.modify(high)

			outcome, err := Evaluate(low, high, DefaultConfig())
			if outcome != Rejected {
				t.Errorf("outcome: got %s, want rejected", outcome)
			}
			if !errors.Is(err, ErrIncompatibleAcquisition) {
				t.Errorf("error: got %v, want ErrIncompatibleAcquisition", err)
			}
		})
	}
}

func TestEvaluate_SpotSizeAbsentOnBothSides(t *testing.T) {
	// Instruments that never record a spot size omit it from every frame;
	// such pairs are compatible, not mismatched.
	low := makeMeta(100, 1000, 1000, 0, 0)
	high := makeMeta(2000, 50, 50, 10, -10)
	low.SpotSize = types.Absent()
	high.SpotSize = types.Absent()

	outcome, err := Evaluate(low, high, DefaultConfig())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcome != Accepted {
		t.Errorf("outcome: got %s, want accepted", outcome)
	}
}

func TestEvaluate_InsufficientMagRatio(t *testing.T) {
	low := makeMeta(100, 1000, 1000, 0, 0)
	high := makeMeta(140, 700, 700, 0, 0) // ratio 1.4 < 1.5

	outcome, err := Evaluate(low, high, DefaultConfig())
	if outcome != Rejected {
		t.Errorf("outcome: got %s, want rejected", outcome)
	}
	if !errors.Is(err, ErrInsufficientMagRatio) {
		t.Errorf("error: got %v, want ErrInsufficientMagRatio", err)
	}
}

func TestEvaluate_MissingFieldsYieldUnknown(t *testing.T) {
	tests := []struct {
		name   string
		modify func(low, high *types.ImageMetadata)
	}{
		{"missing magnification", func(low, high *types.ImageMetadata) {
			high.Magnification = types.Absent()
		}},
		{"missing position", func(low, high *types.ImageMetadata) {
			low.SamplePositionX = types.Absent()
		}},
		{"missing field of view", func(low, high *types.ImageMetadata) {
			high.FieldOfViewHeight = types.Absent()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			low := makeMeta(100, 1000, 1000, 0, 0)
			high := makeMeta(2000, 50, 50, 0, 0)
			tt.modify(low, high)

			outcome, err := Evaluate(low, high, DefaultConfig())
			if outcome != Unknown {
				t.Errorf("outcome: got %s, want unknown", outcome)
			}
			if !errors.Is(err, ErrMissingMetadata) {
				t.Errorf("error: got %v, want ErrMissingMetadata", err)
			}
		})
	}
}

func TestScore_PerfectFit(t *testing.T) {
	// Same center, same area: zero offset and full area efficiency.
	container := makeMeta(100, 100, 100, 0, 0)
	contained := makeMeta(1000, 100, 100, 0, 0)

	score, err := Score(container, contained)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if math.Abs(float64(score)) > 1e-9 {
		t.Errorf("score: got %v, want 0", score)
	}
}

func TestScore_WorstCaseBound(t *testing.T) {
	// A vanishing box at the container's corner approaches the analytic
	// bound 0.7*(1+1) + 0.3*1 = 1.7.
	container := makeMeta(100, 100, 100, 0, 0)
	contained := makeMeta(100000, 0.001, 0.001, 50, 50)

	score, err := Score(container, contained)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if math.Abs(float64(score)-1.7) > 0.001 {
		t.Errorf("score: got %v, want ~1.7", score)
	}
}

func TestScore_PrefersCentered(t *testing.T) {
	container := makeMeta(100, 1000, 1000, 0, 0)
	centered := makeMeta(2000, 50, 50, 0, 0)
	offset := makeMeta(2000, 50, 50, 200, 200)

	centeredScore, err := Score(container, centered)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	offsetScore, err := Score(container, offset)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if centeredScore >= offsetScore {
		t.Errorf("centered %v should beat offset %v", centeredScore, offsetScore)
	}
}

func TestScore_Asymmetric(t *testing.T) {
	a := makeMeta(100, 1000, 1000, 0, 0)
	b := makeMeta(2000, 50, 50, 100, 0)

	ab, err := Score(a, b)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	ba, err := Score(b, a)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if ab == ba {
		t.Errorf("Score should depend on argument order, got %v both ways", ab)
	}
}

func TestScore_MissingGeometry(t *testing.T) {
	container := makeMeta(100, 1000, 1000, 0, 0)
	contained := makeMeta(2000, 50, 50, 0, 0)
	contained.SamplePositionY = types.Absent()

	if _, err := Score(container, contained); !errors.Is(err, ErrMissingMetadata) {
		t.Errorf("error: got %v, want ErrMissingMetadata", err)
	}
}

func TestNormalizedBox_Centered(t *testing.T) {
	low := makeMeta(100, 100, 100, 0, 0)
	high := makeMeta(1000, 50, 50, 0, 0)

	box := NormalizedBox(low, high)
	want := Box{X1: 0.25, Y1: 0.25, X2: 0.75, Y2: 0.75}
	if !boxNear(box, want) {
		t.Errorf("box: got %+v, want %+v", box, want)
	}
}

func TestNormalizedBox_Clamped(t *testing.T) {
	low := makeMeta(100, 100, 100, 0, 0)
	// High box extends far past low's right edge.
	high := makeMeta(1000, 50, 50, 100, 0)

	box := NormalizedBox(low, high)
	if box.X1 < 0 || box.X2 > 1 || box.Y1 < 0 || box.Y2 > 1 {
		t.Errorf("box not clamped to unit square: %+v", box)
	}
	if box.X2 != 1 {
		t.Errorf("X2: got %v, want clamped to 1", box.X2)
	}
}

func TestBoxToPixels(t *testing.T) {
	box := Box{X1: 0.25, Y1: 0.5, X2: 0.75, Y2: 1}

	topLeft, bottomRight := box.ToPixels(400, 200)
	if topLeft != (image.Point{X: 100, Y: 100}) {
		t.Errorf("topLeft: got %v, want (100,100)", topLeft)
	}
	if bottomRight != (image.Point{X: 300, Y: 200}) {
		t.Errorf("bottomRight: got %v, want (300,200)", bottomRight)
	}
}

func boxNear(a, b Box) bool {
	const eps = 1e-9
	return math.Abs(a.X1-b.X1) < eps && math.Abs(a.Y1-b.Y1) < eps &&
		math.Abs(a.X2-b.X2) < eps && math.Abs(a.Y2-b.Y2) < eps
}
