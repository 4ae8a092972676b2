// Package supervisor starts a test runner server process, tracks its
// lifecycle, fans its output out to listeners and shuts it down.
//
// A Server owns exactly one child process. The child runs in its own
// process group so shutdown reaches every process it spawned. Output is
// read line by line; lines starting with EventPrefix are decoded into
// Events and drive a LifeCycleManager, everything else is plain output.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sevir/jstd-supervisor/internal/cmdline"
	"github.com/sevir/jstd-supervisor/pkg/models"
)

// DefaultShutdownGrace is how long a terminated server may take to exit
// before it is killed.
const DefaultShutdownGrace = 1000 * time.Millisecond

var nextSeq atomic.Int64

type options struct {
	logFile      string
	grace        time.Duration
	onTerminated func(*Server)
}

// Option configures Start.
type Option func(*options)

// WithLogFile mirrors all output of the server to path.
func WithLogFile(path string) Option {
	return func(o *options) { o.logFile = path }
}

// WithShutdownGrace overrides DefaultShutdownGrace.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.grace = d
		}
	}
}

// WithOnTerminated registers a hook that runs once after the process exited
// and the server was disposed.
func WithOnTerminated(fn func(*Server)) Option {
	return func(o *options) { o.onTerminated = fn }
}

// Server is a running test runner server process.
type Server struct {
	seq          int64
	name         string
	settings     models.Settings
	commandLine  *cmdline.CommandLine
	cmd          *exec.Cmd
	logPath      string
	logFile      *os.File
	stdout       *os.File
	stderr       *os.File
	output       *OutputProcessor
	lifecycle    *LifeCycleManager
	grace        time.Duration
	onTerminated func(*Server)
	startedAt    time.Time

	exited       atomic.Bool
	exitCode     atomic.Int32
	exitMu       sync.RWMutex
	exitErr      error
	shuttingDown atomic.Bool
	disposed     atomic.Bool
	done         chan struct{}
}

// Start launches a server for settings. The process is killed if ctx is
// cancelled while it is still running.
func Start(ctx context.Context, settings models.Settings, factory cmdline.Factory, opts ...Option) (*Server, error) {
	o := options{grace: DefaultShutdownGrace}
	for _, opt := range opts {
		opt(&o)
	}

	seq := nextSeq.Add(1)

	commandLine, err := factory.Build(settings)
	if err != nil {
		return nil, fmt.Errorf("cannot start %s: %w", formatName(seq, 0), err)
	}

	cmd := commandLine.Cmd(ctx)
	setProcGroup(cmd)
	cmd.Cancel = func() error {
		return killTree(cmd.Process)
	}
	cmd.WaitDelay = o.grace

	var logFile *os.File
	if o.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(o.logFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err = os.Create(o.logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
	}

	// Wait must return when the process exits, even if a descendant keeps
	// the write ends open.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(logFile)
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(logFile, stdout, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	closeAll(stdoutW, stderrW)
	if startErr != nil {
		closeAll(logFile, stdout, stderr)
		return nil, fmt.Errorf("cannot start %s (command: %s): %w", formatName(seq, 0), commandLine, startErr)
	}

	s := &Server{
		seq:          seq,
		name:         formatName(seq, cmd.Process.Pid),
		settings:     settings,
		commandLine:  commandLine,
		cmd:          cmd,
		logPath:      o.logFile,
		logFile:      logFile,
		stdout:       stdout,
		stderr:       stderr,
		grace:        o.grace,
		onTerminated: o.onTerminated,
		startedAt:    time.Now(),
		lifecycle:    NewLifeCycleManager(),
		done:         make(chan struct{}),
	}
	s.exitCode.Store(-1)

	if logFile != nil {
		s.output = NewOutputProcessor(s.name, logFile)
	} else {
		s.output = NewOutputProcessor(s.name, nil)
	}
	s.output.AddListener(s.lifecycle)

	log.Printf(
		"server_event=started server=%q pid=%d port=%d runner_mode=%s work_dir=%q command=%q",
		s.name,
		s.PID(),
		settings.Port,
		settings.RunnerMode,
		commandLine.Dir,
		commandLine.String(),
	)

	s.output.Start(stdout, stderr)
	go s.watch()

	return s, nil
}

// drainOutput waits for the output readers to reach EOF. Descendants that
// outlive the process may hold the pipes open; after the grace period the
// read ends are closed to unblock the readers.
func (s *Server) drainOutput() {
	drained := make(chan struct{})
	go func() {
		s.output.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		log.Printf("Warning: %s: output still open after exit, closing pipes", s.name)
		closeAll(s.stdout, s.stderr)
		<-drained
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

func formatName(seq int64, pid int) string {
	name := fmt.Sprintf("server#%d", seq)
	if pid > 0 {
		name += fmt.Sprintf(" (pid %d)", pid)
	}
	return name
}

// watch waits for the process to exit and tears the server down.
func (s *Server) watch() {
	err := s.cmd.Wait()

	code := -1
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	s.exitMu.Lock()
	s.exitErr = err
	s.exitMu.Unlock()
	s.exitCode.Store(int32(code))
	s.exited.Store(true)

	s.drainOutput()
	closeAll(s.stdout, s.stderr)

	if s.logFile != nil {
		if cerr := s.logFile.Close(); cerr != nil {
			log.Printf("Warning: %s: failed to close log file: %v", s.name, cerr)
		}
	}

	log.Printf("server_event=terminated server=%q exit_code=%d uptime=%q", s.name, code, time.Since(s.startedAt).Round(time.Millisecond))

	s.lifecycle.OnTerminated()
	s.lifecycle.Dispose()
	s.Dispose()

	if s.onTerminated != nil {
		s.onTerminated(s)
	}
	close(s.done)
}

// Seq returns the process-wide sequence number of the server.
func (s *Server) Seq() int64 { return s.seq }

// Name returns the display name, e.g. "server#3 (pid 4242)".
func (s *Server) Name() string { return s.name }

func (s *Server) String() string { return s.name }

// PID returns the process id of the server.
func (s *Server) PID() int {
	if s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// Settings returns the settings the server was started with.
func (s *Server) Settings() models.Settings { return s.settings }

// URL returns the address browsers use to reach the server.
func (s *Server) URL() string { return s.settings.URL() }

// CommandLine returns the command line used to launch the process.
func (s *Server) CommandLine() *cmdline.CommandLine { return s.commandLine }

// LogFile returns the path output is mirrored to, if any.
func (s *Server) LogFile() string { return s.logPath }

// StartedAt returns when the process was started.
func (s *Server) StartedAt() time.Time { return s.startedAt }

// IsProcessRunning reports whether the process has not exited yet.
func (s *Server) IsProcessRunning() bool { return !s.exited.Load() }

// IsStopped reports whether the server announced a stop or its process exited.
func (s *Server) IsStopped() bool { return s.lifecycle.IsServerStopped() }

// IsStarted reports whether the server announced it is accepting browsers.
func (s *Server) IsStarted() bool { return s.lifecycle.IsServerStarted() }

// CapturedBrowsers returns the browsers currently attached to the server.
func (s *Server) CapturedBrowsers() []models.BrowserInfo {
	return s.lifecycle.CapturedBrowsers()
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
func (s *Server) ExitCode() int { return int(s.exitCode.Load()) }

// ExitError returns the error reported by Wait, if any.
func (s *Server) ExitError() error {
	s.exitMu.RLock()
	defer s.exitMu.RUnlock()
	return s.exitErr
}

// OutputTail returns the last lines the server printed.
func (s *Server) OutputTail() string { return s.output.Tail() }

// Done is closed once the process exited and all hooks ran.
func (s *Server) Done() <-chan struct{} { return s.done }

// Wait blocks until the process exited or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddOutputListener registers l for all future output until remove is called.
func (s *Server) AddOutputListener(l OutputListener) (remove func()) {
	return s.output.AddListener(l)
}

// AddLifeCycleListener registers l until ctx is done or remove is called.
func (s *Server) AddLifeCycleListener(ctx context.Context, l LifeCycleListener) (remove func()) {
	return s.lifecycle.AddListener(ctx, l)
}

// ShutdownAsync asks the process tree to terminate and returns immediately.
// The tree is killed if it is still alive after the grace period.
func (s *Server) ShutdownAsync() {
	if !s.IsProcessRunning() {
		return
	}
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	log.Printf("server_event=shutdown_requested server=%q grace=%q", s.name, s.grace)
	go s.terminate()
}

// Shutdown terminates the process tree and waits for it to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ShutdownAsync()
	return s.Wait(ctx)
}

func (s *Server) terminate() {
	if !s.IsProcessRunning() {
		return
	}
	if err := terminateTree(s.cmd.Process); err != nil {
		log.Printf("Warning: %s: failed to terminate: %v", s.name, err)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		if s.IsProcessRunning() {
			log.Printf("server_event=kill server=%q reason=%q", s.name, "grace period elapsed")
			if err := killTree(s.cmd.Process); err != nil {
				log.Printf("Warning: %s: failed to kill: %v", s.name, err)
			}
		}
	}
}

// Dispose shuts the server down and detaches all output listeners. It is
// safe to call more than once.
func (s *Server) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	log.Printf("server_event=disposed server=%q", s.name)
	s.ShutdownAsync()
	s.output.Dispose()
}

// IsDisposed reports whether Dispose has run.
func (s *Server) IsDisposed() bool { return s.disposed.Load() }

// Close disposes the server and waits up to twice the grace period for the
// process to exit. An unexpected non-zero exit is reported as an error.
func (s *Server) Close() error {
	s.Dispose()

	var result *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.grace)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s did not exit: %w", s.name, err))
	} else if err := s.ExitError(); err != nil && !s.shuttingDown.Load() {
		result = multierror.Append(result, fmt.Errorf("%s exited: %w", s.name, err))
	}
	return result.ErrorOrNil()
}
