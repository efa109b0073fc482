// Package matching locates a high magnification micrograph's visual content
// inside a low magnification one, independent of stage metadata accuracy.
// The search resamples the high-mag image down to the scale predicted by the
// metadata (plus a bounded range around it) and runs a normalized
// cross-correlation sweep over the low-mag pixels.
package matching

import (
	"errors"
	"fmt"
	"image"
	"math"

	"maggrid/logging"
	"maggrid/types"

	"gocv.io/x/gocv"
)

var (
	// ErrTemplateTooLarge reports that the resized template exceeded the
	// target image at every tried scale.
	ErrTemplateTooLarge = errors.New("template larger than target")

	// ErrBelowThreshold reports that the best correlation peak did not reach
	// the acceptance threshold.
	ErrBelowThreshold = errors.New("correlation below threshold")
)

// Matching method names. Correlation coefficient (normalized) is the
// default; scores from all methods are mapped so higher is better.
const (
	MethodCCoeffNormed = "ccoeff_normed"
	MethodCCorrNormed  = "ccorr_normed"
	MethodSqDiffNormed = "sqdiff_normed"
)

// FallbackScale is used when metadata gives no usable scale estimate.
const FallbackScale = 0.3

// Config holds the template search parameters.
type Config struct {
	Method      string
	Threshold   float64
	MultiScale  bool
	ScaleSpread float64 // fraction of the estimate searched either side
	ScaleStep   float64 // absolute step between tried scales
	DebugDir    string  // when non-empty, match visualizations are written here
}

// DefaultConfig returns the standard search parameters.
func DefaultConfig() Config {
	return Config{
		Method:      MethodCCoeffNormed,
		Threshold:   0.5,
		MultiScale:  true,
		ScaleSpread: 0.30,
		ScaleStep:   0.05,
	}
}

// Match describes where the template was found in the target image.
type Match struct {
	Score       types.CorrScore `json:"score"`
	Scale       float64         `json:"scale"`
	TopLeft     image.Point     `json:"top_left"`
	BottomRight image.Point     `json:"bottom_right"`
	Method      string          `json:"method"`
}

// Engine runs metadata-guided multi-scale template searches.
type Engine struct {
	cfg    Config
	loader Loader
}

// NewEngine creates a search engine with the given configuration. A nil
// loader gets the default OpenCV-backed one.
func NewEngine(cfg Config, loader Loader) *Engine {
	if loader == nil {
		loader = &DefaultLoader{}
	}
	if cfg.Method == "" {
		cfg.Method = MethodCCoeffNormed
	}
	return &Engine{cfg: cfg, loader: loader}
}

// Search loads both images and looks for high's content inside low. It
// returns nil with ErrTemplateTooLarge when no tried scale fits, and nil
// with ErrBelowThreshold when the best peak misses the threshold.
func (e *Engine) Search(lowPath, highPath string, lowMeta, highMeta *types.ImageMetadata) (*Match, error) {
	lowImg, err := e.loader.LoadGrayscale(lowPath)
	if err != nil {
		lowImg.Close()
		return nil, err
	}
	defer lowImg.Close()

	highImg, err := e.loader.LoadGrayscale(highPath)
	if err != nil {
		highImg.Close()
		return nil, err
	}
	defer highImg.Close()

	match, err := e.findTemplate(lowImg, highImg, lowMeta, highMeta)
	if err != nil {
		return nil, err
	}

	if e.cfg.DebugDir != "" {
		saveDebugArtifacts(e.cfg.DebugDir, lowPath, highPath, match)
	}
	return match, nil
}

// findTemplate runs the preprocessing and the scale sweep on already-loaded
// pixel buffers.
func (e *Engine) findTemplate(lowImg, highImg gocv.Mat, lowMeta, highMeta *types.ImageMetadata) (*Match, error) {
	target := gocv.NewMat()
	defer target.Close()
	gocv.EqualizeHist(lowImg, &target)

	template := prepareTemplate(highImg, highMeta)
	defer template.Close()

	estimate := EstimateScale(lowMeta, highMeta)
	scales := e.scaleCandidates(estimate)

	logging.DebugLog("Template search: estimate %.3f, trying %d scales, method %s",
		estimate, len(scales), e.cfg.Method)

	var best *Match
	fitted := false

	for _, scale := range scales {
		w := int(float64(template.Cols()) * scale)
		h := int(float64(template.Rows()) * scale)
		if w < 1 || h < 1 {
			continue
		}
		if w > target.Cols() || h > target.Rows() {
			// This scale doesn't fit; a smaller one in the range still might.
			continue
		}
		fitted = true

		resized := gocv.NewMat()
		gocv.Resize(template, &resized, image.Point{X: w, Y: h}, 0, 0, gocv.InterpolationArea)

		score, loc := e.correlate(target, resized)
		resized.Close()

		if best == nil || score > best.Score {
			best = &Match{
				Score:       score,
				Scale:       scale,
				TopLeft:     loc,
				BottomRight: image.Point{X: loc.X + w, Y: loc.Y + h},
				Method:      e.cfg.Method,
			}
		}
	}

	if !fitted {
		return nil, fmt.Errorf("%w: template %dx%d vs target %dx%d",
			ErrTemplateTooLarge, template.Cols(), template.Rows(), target.Cols(), target.Rows())
	}

	if float64(best.Score) <= e.cfg.Threshold {
		return nil, fmt.Errorf("%w: %.4f (threshold %.4f)", ErrBelowThreshold, best.Score, e.cfg.Threshold)
	}

	logging.DebugLog("Template match: score %.4f at scale %.3f, top-left (%d,%d)",
		best.Score, best.Scale, best.TopLeft.X, best.TopLeft.Y)
	return best, nil
}

// prepareTemplate crops the high-mag image to its declared usable pixel
// height (dropping the instrument databar strip below the sample view) and
// equalizes its histogram. The returned Mat is owned by the caller.
func prepareTemplate(highImg gocv.Mat, highMeta *types.ImageMetadata) gocv.Mat {
	src := highImg
	cropped := false
	if highMeta != nil && highMeta.PixelsHeight > 0 && highImg.Rows() > highMeta.PixelsHeight {
		region := highImg.Region(image.Rect(0, 0, highImg.Cols(), highMeta.PixelsHeight))
		src = region.Clone()
		region.Close()
		cropped = true
	}

	equalized := gocv.NewMat()
	gocv.EqualizeHist(src, &equalized)
	if cropped {
		src.Close()
	}
	return equalized
}

// EstimateScale predicts how much the high-mag image must shrink to match
// its footprint in the low-mag image. Field of view ratio is preferred;
// magnification ratio is equivalent when FOV is missing.
func EstimateScale(lowMeta, highMeta *types.ImageMetadata) float64 {
	if lowMeta != nil && highMeta != nil {
		if !types.IsAbsent(lowMeta.FieldOfViewWidth) && !types.IsAbsent(highMeta.FieldOfViewWidth) &&
			lowMeta.FieldOfViewWidth > 0 {
			return highMeta.FieldOfViewWidth / lowMeta.FieldOfViewWidth
		}
		if !types.IsAbsent(lowMeta.Magnification) && !types.IsAbsent(highMeta.Magnification) &&
			highMeta.Magnification > 0 {
			return lowMeta.Magnification / highMeta.Magnification
		}
	}
	return FallbackScale
}

// scaleCandidates returns the scales to try, smallest first. Multi-scale
// covers estimate±spread in absolute steps, clamped to (0,1]; the estimate
// itself is always included.
func (e *Engine) scaleCandidates(estimate float64) []float64 {
	estimate = clampScale(estimate)
	if !e.cfg.MultiScale {
		return []float64{estimate}
	}

	lo := estimate * (1 - e.cfg.ScaleSpread)
	hi := estimate * (1 + e.cfg.ScaleSpread)

	var scales []float64
	for s := lo; s <= hi+1e-9; s += e.cfg.ScaleStep {
		c := clampScale(s)
		if len(scales) == 0 || math.Abs(c-scales[len(scales)-1]) > 1e-9 {
			scales = append(scales, c)
		}
	}

	// The estimate itself must be among the candidates.
	for _, s := range scales {
		if math.Abs(s-estimate) < 1e-9 {
			return scales
		}
	}
	scales = append(scales, estimate)
	return scales
}

func clampScale(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s <= 0 {
		return math.SmallestNonzeroFloat64
	}
	return s
}

// correlate runs one template sweep and returns the best score (higher is
// better for every method) and its location.
func (e *Engine) correlate(target, template gocv.Mat) (types.CorrScore, image.Point) {
	result := gocv.NewMat()
	defer result.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	switch e.cfg.Method {
	case MethodSqDiffNormed:
		gocv.MatchTemplate(target, template, &result, gocv.TmSqdiffNormed, mask)
		minVal, _, minLoc, _ := gocv.MinMaxLoc(result)
		// Squared difference: zero is a perfect match; invert so the score
		// is comparable with the correlation methods.
		return types.CorrScore(1 - float64(minVal)), minLoc
	case MethodCCorrNormed:
		gocv.MatchTemplate(target, template, &result, gocv.TmCcorrNormed, mask)
	default:
		gocv.MatchTemplate(target, template, &result, gocv.TmCcoeffNormed, mask)
	}

	_, maxVal, _, maxLoc := gocv.MinMaxLoc(result)
	return types.CorrScore(maxVal), maxLoc
}
