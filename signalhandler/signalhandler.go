package signalhandler

import (
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
)

// StopFlag is a cooperative cancellation flag shared between the signal
// handler and long-running batch operations. Workers check it between pair
// evaluations; in-flight work is allowed to finish.
type StopFlag struct {
	stopped atomic.Bool
}

// Stop requests cancellation.
func (f *StopFlag) Stop() { f.stopped.Store(true) }

// Stopped reports whether cancellation was requested.
func (f *StopFlag) Stopped() bool { return f.stopped.Load() }

// SetupHandler configures signal handling. The first SIGINT/SIGTERM flips
// the returned stop flag so batches can drain gracefully; a second signal
// exits immediately.
func SetupHandler() *StopFlag {
	flag := &StopFlag{}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		flag.Stop()
		<-sigChan
		os.Exit(1)
	}()

	return flag
}

// GetOptimalProcs returns the optimal number of worker goroutines for the system
func GetOptimalProcs() int {
	// Get the number of CPUs available
	numCPU := runtime.NumCPU()

	// For image processing with CGo, using too many goroutines can cause issues
	maxProcs := (numCPU * 3) / 4
	if maxProcs < 1 {
		maxProcs = 1
	}

	return maxProcs
}
