// Package supervisortest provides a fake test runner server for tests.
//
// The fake is the test binary itself: Factory builds a command line that
// re-executes os.Args[0] with -test.run=TestHelperProcess, and the test
// package's TestHelperProcess calls RunHelperProcess, which plays the
// requested scenario and exits.
//
//	func TestHelperProcess(t *testing.T) { supervisortest.RunHelperProcess() }
package supervisortest

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sevir/jstd-supervisor/internal/cmdline"
	"github.com/sevir/jstd-supervisor/pkg/models"
)

const envHelper = "JSTD_SUPERVISOR_HELPER"

// Scenarios understood by RunHelperProcess.
const (
	// Serve announces start, captures one browser and runs until signalled.
	Serve = "serve"
	// ServeStubborn is Serve but ignores SIGTERM.
	ServeStubborn = "serve-stubborn"
	// StopAndExit announces start and stop, then exits with code 3.
	StopAndExit = "stop-exit"
	// Garbage prints a malformed event line and plain output, then exits 0.
	Garbage = "garbage"
	// Orphan announces start, leaves a descendant holding its stdout and
	// stderr for OrphanLifetime, then exits 0.
	Orphan = "orphan"

	// Flood announces start, pauses, prints FloodLines lines and then runs
	// until signalled.
	Flood = "flood"

	hold = "hold"
)

// FloodLines is the number of lines the Flood scenario prints.
const FloodLines = 2000

// OrphanLifetime is how long the descendant of the Orphan scenario lives.
const OrphanLifetime = 5 * time.Second

// ExitCodeStopAndExit is the exit code of the StopAndExit scenario.
const ExitCodeStopAndExit = 3

// Factory returns a command factory that launches the helper in mode.
func Factory(mode string) cmdline.Factory {
	return cmdline.FactoryFunc(func(s models.Settings) (*cmdline.CommandLine, error) {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &cmdline.CommandLine{
			Exe:  os.Args[0],
			Args: []string{"-test.run=TestHelperProcess", "--", mode, strconv.Itoa(s.Port)},
			Env:  []string{envHelper + "=1"},
		}, nil
	})
}

// RunHelperProcess plays a scenario when running as the helper and returns
// immediately otherwise.
func RunHelperProcess() {
	if os.Getenv(envHelper) != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "helper: missing scenario")
		os.Exit(2)
	}
	mode, port := args[1], args[2]

	switch mode {
	case Serve, ServeStubborn:
		if mode == ServeStubborn {
			signal.Ignore(syscall.SIGTERM)
		}
		fmt.Printf("listening on port %s\n", port)
		fmt.Println(`##jstd-server {"type":"started"}`)
		fmt.Println(`##jstd-server {"type":"browser_captured","browser":{"id":"1","name":"Chrome","version":"120","os":"Linux"}}`)
		fmt.Fprintln(os.Stderr, "warming up")
		time.Sleep(time.Minute)
		os.Exit(0)
	case StopAndExit:
		fmt.Println(`##jstd-server {"type":"started"}`)
		fmt.Println("shutting down")
		fmt.Println(`##jstd-server {"type":"stopped"}`)
		os.Exit(ExitCodeStopAndExit)
	case Garbage:
		fmt.Println(`##jstd-server {not json`)
		fmt.Println("plain line")
		os.Exit(0)
	case Orphan:
		child := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", hold, port)
		child.Env = append(os.Environ(), envHelper+"=1")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "helper: %v\n", err)
			os.Exit(2)
		}
		fmt.Println(`##jstd-server {"type":"started"}`)
		os.Exit(0)
	case Flood:
		fmt.Println(`##jstd-server {"type":"started"}`)
		time.Sleep(500 * time.Millisecond)
		for i := 0; i < FloodLines; i++ {
			fmt.Printf("flood %d\n", i)
		}
		time.Sleep(time.Minute)
		os.Exit(0)
	case hold:
		time.Sleep(OrphanLifetime)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "helper: unknown scenario %q\n", mode)
		os.Exit(2)
	}
}
