package metadata

import (
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"

	"maggrid/types"
)

// acquisitionDoc mirrors the microscope's embedded XML. Numeric leaves are
// kept as strings so a missing element stays distinguishable from zero.
type acquisitionDoc struct {
	DatabarLabel    string `xml:"databarLabel"`
	Time            string `xml:"time"`
	PixelWidth      string `xml:"pixelWidth"`
	WorkingDistance string `xml:"workingDistance"`
	CropHint        struct {
		Right  string `xml:"right"`
		Bottom string `xml:"bottom"`
	} `xml:"cropHint"`
	SamplePosition struct {
		X string `xml:"x"`
		Y string `xml:"y"`
	} `xml:"samplePosition"`
	MultiStage struct {
		Axes []struct {
			ID    string `xml:"id,attr"`
			Value string `xml:",chardata"`
		} `xml:"axis"`
	} `xml:"multiStage"`
	Acquisition struct {
		Scan struct {
			Detector    string `xml:"detector"`
			HighVoltage string `xml:"highVoltage"`
			SpotSize    string `xml:"spotSize"`
		} `xml:"scan"`
	} `xml:"acquisition"`
}

// ParseAcquisitionXML parses the microscope's embedded acquisition document
// into a metadata record. The field of view is derived from pixel size and
// pixel count; nominal magnification from the 127 mm reference width when
// the field of view is known.
func ParseAcquisitionXML(doc, imagePath string) (*types.ImageMetadata, error) {
	var d acquisitionDoc
	if err := xml.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("malformed acquisition document in %s: %w", imagePath, err)
	}

	meta := &types.ImageMetadata{
		ImagePath:         imagePath,
		FieldOfViewWidth:  types.Absent(),
		FieldOfViewHeight: types.Absent(),
		Magnification:     types.Absent(),
		Mode:              strings.TrimSpace(d.Acquisition.Scan.Detector),
		HighVoltage:       types.Absent(),
		SpotSize:          optionalFloat(d.Acquisition.Scan.SpotSize),
		SamplePositionX:   optionalFloat(d.SamplePosition.X),
		SamplePositionY:   optionalFloat(d.SamplePosition.Y),
	}

	meta.PixelsWidth = optionalInt(d.CropHint.Right)
	meta.PixelsHeight = optionalInt(d.CropHint.Bottom)

	// The document records high voltage with a sign convention; only the
	// magnitude matters for grouping.
	if hv := optionalFloat(d.Acquisition.Scan.HighVoltage); !types.IsAbsent(hv) {
		meta.HighVoltage = math.Abs(hv)
	}

	pixelSizeNm := optionalFloat(d.PixelWidth)
	if !types.IsAbsent(pixelSizeNm) && meta.PixelsWidth > 0 && meta.PixelsHeight > 0 {
		meta.FieldOfViewWidth = pixelSizeNm * float64(meta.PixelsWidth) / 1000
		meta.FieldOfViewHeight = pixelSizeNm * float64(meta.PixelsHeight) / 1000
	}

	if !types.IsAbsent(meta.FieldOfViewWidth) && meta.FieldOfViewWidth > 0 {
		meta.Magnification = float64(int(magReferenceWidth / meta.FieldOfViewWidth))
	}

	return meta, nil
}

// optionalFloat parses a numeric leaf, returning the absent marker for a
// missing or malformed element.
func optionalFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.Absent()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return types.Absent()
	}
	return v
}

// optionalInt parses an integer leaf, returning zero when missing.
func optionalInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
