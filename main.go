package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"maggrid/database"
	"maggrid/hierarchy"
	"maggrid/logging"
	"maggrid/metadata"
	"maggrid/scanner"
	"maggrid/signalhandler"
	"maggrid/utils"
	"maggrid/validator"
)

func main() {
	// Set up proper signal handling: first signal requests a graceful stop,
	// second one exits.
	stop := signalhandler.SetupHandler()

	// Set the optimal number of CPUs to use
	runtime.GOMAXPROCS(signalhandler.GetOptimalProcs())

	// Parse command line arguments into a map
	args := utils.ParseArguments()

	command, hasCommand := args["command"]

	// Set default database path
	dbPath := utils.GetDefaultDatabasePath()
	if customDB, ok := args["database"]; ok && customDB != "" {
		dbPath = customDB
	} else if customDB, ok := args["db"]; ok && customDB != "" {
		// Allow --db as an alias for --database
		dbPath = customDB
	}

	// Setup debug logging if enabled
	debugMode := false
	if _, ok := args["debug"]; ok {
		debugMode = true
		logPath := "maggrid.log"
		if customLogPath, ok := args["logfile"]; ok && customLogPath != "" {
			logPath = customLogPath
		}
		if err := logging.SetupLogger(logPath); err != nil {
			fmt.Printf("Warning: Failed to setup logging: %v\n", err)
		} else {
			fmt.Printf("Debug mode enabled. Logging to: %s\n", logPath)
		}
		defer logging.CloseLogger()
	}

	// Check if required arguments are missing
	showUsage := !hasCommand

	if hasCommand {
		switch command {
		case "scan", "build", "batch":
			if args["folder"] == "" {
				showUsage = true
			}
		case "match":
			if args["low"] == "" || args["high"] == "" {
				showUsage = true
			}
		}
	}

	if showUsage {
		utils.PrintUsage()
		os.Exit(1)
	}

	switch command {
	case "scan":
		handleScanCommand(args, dbPath, debugMode, stop)
	case "build":
		handleBuildCommand(args, dbPath, debugMode, stop)
	case "match":
		handleMatchCommand(args, debugMode)
	case "batch":
		handleBatchCommand(args, debugMode, stop)
	case "stats":
		handleStatsCommand(dbPath)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		utils.PrintUsage()
		os.Exit(1)
	}
}

// initDatabaseWithRetry opens the database, retrying with backoff; sqlite
// can report transient locks when another process holds the file.
func initDatabaseWithRetry(dbPath string) *sql.DB {
	var db *sql.DB
	var err error
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		db, err = database.InitDatabase(dbPath)
		if err == nil {
			return db
		}
		if i < maxRetries-1 {
			log.Printf("Error initializing database (attempt %d/%d): %v - retrying...",
				i+1, maxRetries, err)
			time.Sleep(time.Second * time.Duration(i+1))
		}
	}
	log.Fatalf("Error initializing database after %d attempts: %v", maxRetries, err)
	return nil
}

// validatorFromArgs builds the validator configuration from command flags.
func validatorFromArgs(args map[string]string) validator.Config {
	cfg := validator.DefaultConfig()

	if thresholdStr, ok := args["threshold"]; ok {
		parsed, err := utils.ParseThreshold(thresholdStr)
		if err != nil {
			fmt.Printf("Warning: %v\n", err)
		} else {
			cfg.Matching.Threshold = parsed
		}
	}
	if method, ok := args["method"]; ok && method != "" {
		cfg.Matching.Method = method
	}
	if ms, ok := args["multiscale"]; ok {
		cfg.Matching.MultiScale = utils.ParseBool(ms, true)
	}
	if dir, ok := args["debugdir"]; ok {
		cfg.Matching.DebugDir = dir
	}
	if margin, ok := args["margin"]; ok {
		cfg.Geometry.MarginFraction = utils.ParseFloat(margin, cfg.Geometry.MarginFraction)
	}
	if ratio, ok := args["min-ratio"]; ok {
		cfg.Geometry.MinMagRatio = utils.ParseFloat(ratio, cfg.Geometry.MinMagRatio)
	}
	return cfg
}

func handleScanCommand(args map[string]string, dbPath string, debugMode bool, stop *signalhandler.StopFlag) {
	folderPath := args["folder"]

	db := initDatabaseWithRetry(dbPath)
	defer db.Close()

	startTime := time.Now()
	result, err := scanner.ScanFolder(db, scanner.ScanOptions{
		FolderPath: folderPath,
		Workers:    utils.ParseInt(args["workers"], 0),
		DebugMode:  debugMode,
		Stop:       stop,
	})
	if err != nil {
		log.Fatalf("Error scanning folder: %v", err)
	}

	fmt.Printf("\nScan completed successfully!\n")
	fmt.Printf("Total execution time: %v\n", time.Since(startTime).Round(time.Millisecond))
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("\nSummary:\n")
	fmt.Printf("- Micrographs found: %d\n", result.Total)
	fmt.Printf("- Usable records: %d\n", result.Usable)
	fmt.Printf("- Rejected (incomplete metadata): %d\n", result.Rejected)
	fmt.Printf("- Errors: %d\n", result.Errors)
}

func handleBuildCommand(args map[string]string, dbPath string, debugMode bool, stop *signalhandler.StopFlag) {
	folderPath := args["folder"]

	db := initDatabaseWithRetry(dbPath)
	defer db.Close()

	startTime := time.Now()

	result, err := scanner.ScanFolder(db, scanner.ScanOptions{
		FolderPath: folderPath,
		Workers:    utils.ParseInt(args["workers"], 0),
		DebugMode:  debugMode,
		Stop:       stop,
	})
	if err != nil {
		log.Fatalf("Error scanning folder: %v", err)
	}
	if len(result.Entries) < 2 {
		fmt.Println("Not enough usable images to build a hierarchy.")
		return
	}

	v := validator.New(validatorFromArgs(args), nil)
	builder := hierarchy.NewBuilder(hierarchy.Config{
		Workers: utils.ParseInt(args["workers"], 0),
	}, v)

	fmt.Printf("\nBuilding magnification hierarchy from %d images...\n", len(result.Entries))
	collections := builder.Build(result.Entries, stop)

	for _, c := range collections {
		if err := database.StoreCollection(db, c); err != nil {
			log.Printf("Error storing collection %s: %v", c.Name, err)
		}
	}

	fmt.Printf("\nBuild completed in %v.\n", time.Since(startTime).Round(time.Millisecond))
	fmt.Printf("Chains built: %d\n", len(collections))
	for _, c := range collections {
		mags := c.SortedMagnifications()
		fmt.Printf("- %s: %d images, %d levels (", c.Name, c.Len(), len(mags))
		for i := len(mags) - 1; i >= 0; i-- {
			if i < len(mags)-1 {
				fmt.Printf(" -> ")
			}
			fmt.Printf("%.0fx", mags[i])
		}
		fmt.Printf("), %d edges\n", len(c.Edges()))
	}
}

func handleMatchCommand(args map[string]string, debugMode bool) {
	lowPath := args["low"]
	highPath := args["high"]

	for _, path := range []string{lowPath, highPath} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Fatalf("Image does not exist: %s", path)
		}
	}

	extractor, err := metadata.NewExtractor()
	if err != nil {
		log.Fatalf("Error initializing metadata extractor: %v", err)
	}
	defer extractor.Close()

	lowMeta, err := extractor.Extract(lowPath)
	if err != nil {
		log.Fatalf("Error reading metadata from %s: %v", lowPath, err)
	}
	highMeta, err := extractor.Extract(highPath)
	if err != nil {
		log.Fatalf("Error reading metadata from %s: %v", highPath, err)
	}

	startTime := time.Now()
	v := validator.New(validatorFromArgs(args), nil)
	result := v.ValidateContainment(lowPath, highPath, lowMeta, highMeta)

	fmt.Printf("Containment check: %s in %s\n\n", highPath, lowPath)
	if result.Accepted {
		fmt.Printf("MATCH (%s)\n", result.Source)
		fmt.Printf("  Score:  %.4f\n", result.Score)
		fmt.Printf("  Scale:  %.3f\n", result.Scale)
		fmt.Printf("  Region: (%d,%d) - (%d,%d)\n",
			result.TopLeft.X, result.TopLeft.Y, result.BottomRight.X, result.BottomRight.Y)
	} else {
		fmt.Printf("NO MATCH: %s\n", result.Reason)
	}

	if debugMode {
		logging.DebugLog("Single pair check finished in %v", time.Since(startTime))
	}
	fmt.Printf("\nTotal match time: %v\n", time.Since(startTime).Round(time.Millisecond))
}

func handleBatchCommand(args map[string]string, debugMode bool, stop *signalhandler.StopFlag) {
	folderPath := args["folder"]

	result, err := scanner.ScanFolder(nil, scanner.ScanOptions{
		FolderPath: folderPath,
		Workers:    utils.ParseInt(args["workers"], 0),
		DebugMode:  debugMode,
		Stop:       stop,
	})
	if err != nil {
		log.Fatalf("Error scanning folder: %v", err)
	}

	pairs := validator.EnumeratePairs(result.Entries)
	fmt.Printf("\nEvaluating %d candidate pairs...\n", len(pairs))

	startTime := time.Now()
	v := validator.New(validatorFromArgs(args), nil)
	summary := v.RunBatch(pairs, validator.BatchOptions{
		Workers: utils.ParseInt(args["workers"], 0),
		Stop:    stop,
	})

	fmt.Printf("\nBatch completed in %v.\n", time.Since(startTime).Round(time.Millisecond))
	fmt.Printf("Pairs checked: %d\n", summary.PairsChecked)
	fmt.Printf("Matches:       %d\n", summary.Matches)
	fmt.Printf("Load failures: %d\n", summary.LoadFailures)
	if summary.Stopped {
		fmt.Println("Batch was interrupted before completion.")
	}
}

func handleStatsCommand(dbPath string) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database does not exist: %s. Run scan command first.", dbPath)
	}

	db, err := database.OpenDatabase(dbPath)
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}
	defer db.Close()

	stats, err := database.GetBuildStats(db)
	if err != nil {
		log.Fatalf("Error reading statistics: %v", err)
	}

	fmt.Printf("Database: %s\n\n", dbPath)
	fmt.Printf("Images:      %d\n", stats.TotalImages)
	fmt.Printf("Collections: %d\n", stats.TotalCollections)
	fmt.Printf("Edges:       %d\n", stats.TotalEdges)

	collections, err := database.LoadCollections(db)
	if err != nil {
		log.Fatalf("Error loading collections: %v", err)
	}
	if len(collections) > 0 {
		fmt.Println("\nChains:")
		for _, c := range collections {
			fmt.Printf("- %s (%s, %d images, %d edges)\n",
				c.Name, c.Key.Mode, c.Len(), len(c.Edges()))
		}
	}
}
