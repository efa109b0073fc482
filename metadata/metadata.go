// Package metadata extracts acquisition parameters from SEM micrograph TIFF
// files. The microscope writes its settings as an XML document in a private
// TIFF tag; exiftool surfaces the whole document, and this package parses
// out the fields the containment engine needs.
package metadata

import (
	"errors"
	"fmt"
	"strings"

	"maggrid/logging"
	"maggrid/types"

	exiftool "github.com/barasher/go-exiftool"
)

var (
	// ErrNoMetadata reports that the file carries no embedded acquisition
	// document.
	ErrNoMetadata = errors.New("no acquisition metadata in file")
)

// magReferenceWidth is the reference width for nominal magnification, in µm
// (the 127 mm polaroid convention: magnification = 127000 / FOV width).
const magReferenceWidth = 127000.0

// Extractor pulls acquisition metadata out of micrograph files. It keeps
// one exiftool process alive, so batch extraction avoids a process spawn
// per file. Not safe for concurrent use; give each worker its own.
type Extractor struct {
	et *exiftool.Exiftool
}

// NewExtractor starts the exiftool process.
func NewExtractor() (*Extractor, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize exiftool: %w", err)
	}
	return &Extractor{et: et}, nil
}

// Close shuts down the exiftool process.
func (e *Extractor) Close() error {
	return e.et.Close()
}

// Extract reads the acquisition document embedded in the TIFF and parses it
// into a metadata record. Fields the document does not carry come back
// absent (NaN), never zero.
func (e *Extractor) Extract(path string) (*types.ImageMetadata, error) {
	infos := e.et.ExtractMetadata(path)
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMetadata, path)
	}
	info := infos[0]
	if info.Err != nil {
		return nil, fmt.Errorf("exiftool failed on %s: %w", path, info.Err)
	}

	doc := findAcquisitionDocument(info)
	if doc == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoMetadata, path)
	}

	meta, err := ParseAcquisitionXML(doc, path)
	if err != nil {
		return nil, err
	}

	logging.DebugLog("Extracted metadata from %s: mag %.0f, mode %s, FOV %.2fx%.2f um",
		path, meta.Magnification, meta.Mode, meta.FieldOfViewWidth, meta.FieldOfViewHeight)
	return meta, nil
}

// findAcquisitionDocument locates the embedded XML among the extracted
// tags. The private tag's name varies across exiftool versions, so any
// string value that looks like the acquisition document qualifies.
func findAcquisitionDocument(info exiftool.FileMetadata) string {
	for _, value := range info.Fields {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if strings.Contains(s, "<pixelWidth>") {
			return s
		}
	}
	return ""
}
