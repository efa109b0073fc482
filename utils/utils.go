package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var commands = []string{"scan", "build", "match", "batch", "stats"}

// ParseArguments converts command-line arguments into a map of flags and values
func ParseArguments() map[string]string {
	args := make(map[string]string)

	// First, identify the command
	command := ""
	commandIndex := -1
	for i := 1; i < len(os.Args); i++ {
		for _, c := range commands {
			if os.Args[i] == c {
				command = c
				commandIndex = i
				break
			}
		}
		if command != "" {
			break
		}
	}

	if command != "" {
		args["command"] = command
	}

	// Process all arguments, skipping the command
	for i := 1; i < len(os.Args); i++ {
		if i == commandIndex {
			continue
		}

		arg := os.Args[i]

		// Handle flags with equals sign (--key=value)
		if strings.HasPrefix(arg, "--") && strings.Contains(arg, "=") {
			parts := strings.SplitN(arg, "=", 2)
			flagName := strings.TrimPrefix(parts[0], "--")
			args[flagName] = parts[1]
			continue
		}

		// Handle flags without equals sign (--key value)
		if strings.HasPrefix(arg, "--") {
			flagName := strings.TrimPrefix(arg, "--")

			// Check if this is a boolean flag (no value)
			if i+1 >= len(os.Args) || strings.HasPrefix(os.Args[i+1], "--") {
				args[flagName] = "true"
			} else {
				// The next argument is the value
				args[flagName] = os.Args[i+1]
				i++ // Skip the value in the next iteration
			}
		}
	}

	return args
}

// GetDefaultDatabasePath returns the default path for the database file
func GetDefaultDatabasePath() string {
	exePath, err := os.Executable()
	if err != nil {
		// Fallback to current directory if executable path can't be determined
		return "maggrid.db"
	}

	return filepath.Join(filepath.Dir(exePath), "maggrid.db")
}

// PrintUsage outputs the command-line usage instructions
func PrintUsage() {
	fmt.Printf("Usage:\n")
	fmt.Printf("  %s scan  --folder=PATH [--database=PATH] [--debug] [--logfile=PATH]\n", os.Args[0])
	fmt.Printf("  %s build --folder=PATH [--database=PATH] [--threshold=VALUE] [--method=NAME] [--multiscale=BOOL] [--debugdir=PATH]\n", os.Args[0])
	fmt.Printf("  %s match --low=PATH --high=PATH [--threshold=VALUE] [--method=NAME] [--debugdir=PATH]\n", os.Args[0])
	fmt.Printf("  %s batch --folder=PATH [--threshold=VALUE] [--workers=N] [--debugdir=PATH]\n", os.Args[0])
	fmt.Printf("  %s stats [--database=PATH]\n", os.Args[0])
	fmt.Printf("\nParameters:\n")
	fmt.Printf("  --folder      : Path to session folder containing microscope TIFF images\n")
	fmt.Printf("  --low         : Path to the low magnification image (candidate container)\n")
	fmt.Printf("  --high        : Path to the high magnification image (candidate contained)\n")
	fmt.Printf("  --database    : Path to database file (default: %s)\n", GetDefaultDatabasePath())
	fmt.Printf("  --threshold   : Correlation acceptance threshold (0.0-1.0, default: 0.5)\n")
	fmt.Printf("  --method      : Matching method: ccoeff_normed, ccorr_normed, sqdiff_normed\n")
	fmt.Printf("  --multiscale  : Search a range of scales around the estimate (default: true)\n")
	fmt.Printf("  --margin      : Containment margin fraction (default: 0.10)\n")
	fmt.Printf("  --min-ratio   : Minimum magnification ratio (default: 1.5)\n")
	fmt.Printf("  --workers     : Number of parallel pair evaluations\n")
	fmt.Printf("  --debugdir    : Directory for match visualizations and JSON records\n")
	fmt.Printf("  --debug       : Enable debug mode (logs detailed information)\n")
	fmt.Printf("  --logfile     : Specify custom log file path (default: maggrid.log)\n")
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  %s build --folder=/data/session-042 --threshold=0.6 --debug\n", os.Args[0])
	fmt.Printf("  %s match --low=/data/overview.tif --high=/data/detail.tif\n", os.Args[0])
}

// ParseThreshold parses and validates the threshold value from string
func ParseThreshold(thresholdStr string) (float64, error) {
	parsed, err := strconv.ParseFloat(thresholdStr, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return 0.5, fmt.Errorf("invalid threshold value '%s', using default (0.5)", thresholdStr)
	}
	return parsed, nil
}

// ParseBool parses a boolean flag value, defaulting when unparseable
func ParseBool(value string, fallback bool) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// ParseFloat parses a float flag value, defaulting when unparseable
func ParseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// ParseInt parses an integer flag value, defaulting when unparseable
func ParseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
