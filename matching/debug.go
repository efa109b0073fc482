package matching

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"maggrid/logging"

	"gocv.io/x/gocv"
)

// saveDebugArtifacts writes a visualization of the match (the low-mag image
// with the matched rectangle and score drawn on it) and a JSON record of
// the match parameters. Failures are logged and ignored; this is an
// observability aid, not part of correctness.
func saveDebugArtifacts(debugDir, lowPath, highPath string, match *Match) {
	if match == nil {
		return
	}
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		logging.LogWarning("Failed to create debug directory %s: %v", debugDir, err)
		return
	}

	base := fmt.Sprintf("match_%s_in_%s", filepath.Base(highPath), filepath.Base(lowPath))

	writeDebugImage(filepath.Join(debugDir, base+".jpg"), lowPath, match)
	writeDebugRecord(filepath.Join(debugDir, base+".json"), match)
}

func writeDebugImage(outPath, lowPath string, match *Match) {
	img := gocv.IMRead(lowPath, gocv.IMReadColor)
	if img.Empty() {
		logging.LogWarning("Failed to load %s for match visualization", lowPath)
		return
	}
	defer img.Close()

	red := color.RGBA{R: 255}
	gocv.Rectangle(&img, image.Rectangle{Min: match.TopLeft, Max: match.BottomRight}, red, 2)

	textPos := match.TopLeft
	textPos.Y -= 10
	if textPos.Y < 0 {
		textPos.Y = match.BottomRight.Y + 20
	}
	gocv.PutText(&img, fmt.Sprintf("Score: %.2f", match.Score), textPos,
		gocv.FontHersheySimplex, 0.7, red, 2)

	if ok := gocv.IMWrite(outPath, img); !ok {
		logging.LogWarning("Failed to write match visualization: %s", outPath)
	} else {
		logging.DebugLog("Saved match visualization: %s", outPath)
	}
}

func writeDebugRecord(outPath string, match *Match) {
	data, err := json.MarshalIndent(match, "", "    ")
	if err != nil {
		logging.LogWarning("Failed to encode match record: %v", err)
		return
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		logging.LogWarning("Failed to write match record %s: %v", outPath, err)
	}
}
