// Package registry keeps track of every test runner server the supervisor
// started, persists their records and exposes them to the control surfaces.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sevir/jstd-supervisor/internal/cmdline"
	"github.com/sevir/jstd-supervisor/internal/store"
	"github.com/sevir/jstd-supervisor/internal/supervisor"
	"github.com/sevir/jstd-supervisor/pkg/models"
)

var (
	// ErrNotFound is returned for unknown server ids.
	ErrNotFound = store.ErrNotFound
	// ErrPortInUse is returned when a live server already listens on the port.
	ErrPortInUse = errors.New("port already in use by a supervised server")
	// ErrNotRunning is returned for operations that need a live process.
	ErrNotRunning = errors.New("server is not running")
)

const (
	reconciledError = "supervisor restarted"
	subscriberQueue = 256
)

// Registry supervises a set of test runner servers.
type Registry struct {
	store    store.Store
	factory  cmdline.Factory
	defaults models.Settings
	logDir   string
	grace    time.Duration

	// mu guards servers and every read-modify-write of a record.
	mu      sync.Mutex
	servers map[string]*supervisor.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds registry configuration.
type Config struct {
	StorePath     string
	LogDir        string
	Factory       cmdline.Factory
	Defaults      models.Settings
	ShutdownGrace time.Duration
}

// New creates a Registry and reconciles records left behind by a previous run.
func New(cfg Config) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, errors.New("no command factory configured")
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = supervisor.DefaultShutdownGrace
	}

	fileStore, err := store.NewFileStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		store:    fileStore,
		factory:  cfg.Factory,
		defaults: cfg.Defaults,
		logDir:   cfg.LogDir,
		grace:    cfg.ShutdownGrace,
		servers:  make(map[string]*supervisor.Server),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := r.reconcile(); err != nil {
		cancel()
		fileStore.Close()
		return nil, err
	}

	return r, nil
}

// reconcile marks records of processes from a previous run as terminated.
func (r *Registry) reconcile() error {
	stale, err := r.store.List(store.ListFilter{
		Status: []models.ServerStatus{
			models.ServerStatusStarting,
			models.ServerStatusRunning,
			models.ServerStatusStopping,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	now := time.Now()
	for _, rec := range stale {
		rec.Status = models.ServerStatusTerminated
		rec.Error = reconciledError
		rec.Browsers = nil
		rec.TerminatedAt = &now
		if err := r.store.Save(rec); err != nil {
			return fmt.Errorf("failed to reconcile %s: %w", rec.ID, err)
		}
		logServerFinished(rec)
	}
	return nil
}

// Settings merges req with the registry defaults and validates the result.
func (r *Registry) Settings(req models.StartRequest) (models.Settings, error) {
	settings := r.defaults
	if req.Port != 0 {
		settings.Port = req.Port
	}
	if req.RunnerMode != "" {
		settings.RunnerMode = models.RunnerMode(strings.ToUpper(string(req.RunnerMode)))
	}
	if req.BrowserTimeout != "" {
		dur, err := time.ParseDuration(req.BrowserTimeout)
		if err != nil {
			return models.Settings{}, fmt.Errorf("invalid browser timeout: %w", err)
		}
		settings.BrowserTimeout = models.Duration(dur)
	}
	if err := settings.Validate(); err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

// Start launches a new server. The returned record reflects the state right
// after the process was started.
func (r *Registry) Start(ctx context.Context, req models.StartRequest) (*models.ServerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	settings, err := r.Settings(req)
	if err != nil {
		return nil, err
	}

	id := generateID()
	rec := &models.ServerRecord{
		ID:        id,
		Settings:  settings,
		URL:       settings.URL(),
		Status:    models.ServerStatusStarting,
		CreatedAt: time.Now(),
	}

	var opts []supervisor.Option
	if r.logDir != "" {
		rec.LogFile = filepath.Join(r.logDir, id+".log")
		opts = append(opts, supervisor.WithLogFile(rec.LogFile))
	}
	opts = append(opts,
		supervisor.WithShutdownGrace(r.grace),
		supervisor.WithOnTerminated(func(s *supervisor.Server) { r.onTerminated(id, s) }),
	)

	r.mu.Lock()
	if holder := r.portHolder(settings.Port); holder != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: port %d is held by %s", ErrPortInUse, settings.Port, holder)
	}

	logServerRequested(rec)

	// The process is bound to the registry lifetime, not to the caller's ctx.
	srv, err := supervisor.Start(r.ctx, settings, r.factory, opts...)
	if err != nil {
		now := time.Now()
		rec.Status = models.ServerStatusFailed
		rec.Error = err.Error()
		if rec.LogFile != "" {
			os.Remove(rec.LogFile)
			rec.LogFile = ""
		}
		rec.TerminatedAt = &now
		if serr := r.store.Save(rec); serr != nil {
			log.Printf("Warning: failed to save failed record %s: %v", id, serr)
		}
		r.mu.Unlock()
		logServerFinished(rec)
		return nil, err
	}

	startedAt := srv.StartedAt()
	rec.Seq = srv.Seq()
	rec.Name = srv.Name()
	rec.PID = srv.PID()
	rec.CommandLine = srv.CommandLine().String()
	rec.WorkDir = srv.CommandLine().Dir
	rec.StartedAt = &startedAt

	r.servers[id] = srv
	if err := r.store.Save(rec); err != nil {
		r.mu.Unlock()
		srv.Dispose()
		return nil, fmt.Errorf("failed to save record: %w", err)
	}
	r.mu.Unlock()

	refresh := func() { r.syncFromServer(id, srv) }
	srv.AddLifeCycleListener(r.ctx, supervisor.LifeCycleFuncs{
		Started:  refresh,
		Captured: func(models.BrowserInfo) { refresh() },
		Panicked: func(models.BrowserInfo) { refresh() },
	})
	// Events that arrived before the listener was attached.
	refresh()

	return r.Get(id)
}

// portHolder returns the live server using port. Callers hold r.mu.
func (r *Registry) portHolder(port int) *supervisor.Server {
	for _, srv := range r.servers {
		if srv.Settings().Port == port && srv.IsProcessRunning() {
			return srv
		}
	}
	return nil
}

// syncFromServer copies the lifecycle state of srv into the record.
func (r *Registry) syncFromServer(id string, srv *supervisor.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Get(id)
	if err != nil || rec.IsTerminal() {
		return
	}
	if srv.IsStarted() && rec.Status == models.ServerStatusStarting {
		rec.Status = models.ServerStatusRunning
		log.Printf("server_event=running server_id=%s name=%q url=%s", rec.ID, rec.Name, rec.URL)
	}
	rec.Browsers = srv.CapturedBrowsers()
	if err := r.store.Save(rec); err != nil {
		log.Printf("Warning: failed to save record %s: %v", id, err)
	}
}

func (r *Registry) onTerminated(id string, srv *supervisor.Server) {
	r.mu.Lock()
	delete(r.servers, id)

	rec, err := r.store.Get(id)
	if err != nil {
		// Purged while running.
		r.mu.Unlock()
		return
	}

	now := time.Now()
	code := srv.ExitCode()
	wasStopping := rec.Status == models.ServerStatusStopping

	rec.Status = models.ServerStatusTerminated
	rec.ExitCode = &code
	rec.TerminatedAt = &now
	rec.Browsers = nil
	rec.OutputTail = srv.OutputTail()
	if exitErr := srv.ExitError(); exitErr != nil && !wasStopping {
		rec.Error = exitErr.Error()
	}

	if err := r.store.Save(rec); err != nil {
		log.Printf("Warning: failed to save record %s: %v", id, err)
	}
	r.mu.Unlock()

	logServerFinished(rec)
	r.persist()
}

// persist writes the store to disk now rather than on the next saver tick.
func (r *Registry) persist() {
	if err := r.store.ForceSave(); err != nil {
		log.Printf("Warning: failed to persist store: %v", err)
	}
}

func (r *Registry) server(id string) *supervisor.Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[id]
}

// Get retrieves a server record by ID.
func (r *Registry) Get(id string) (*models.ServerRecord, error) {
	return r.store.Get(id)
}

// List lists server records matching the request, newest first.
func (r *Registry) List(req models.ListRequest) ([]*models.ServerRecord, error) {
	return r.store.List(store.ListFilter{
		Status: req.Status,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
}

// Shutdown asks a server to stop and returns without waiting for it.
func (r *Registry) Shutdown(id string) (*models.ServerRecord, error) {
	r.mu.Lock()
	rec, err := r.store.Get(id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	srv := r.servers[id]
	if !rec.IsLive() || srv == nil {
		r.mu.Unlock()
		return rec, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, rec.Status)
	}

	if rec.Status != models.ServerStatusStopping {
		rec.Status = models.ServerStatusStopping
		if err := r.store.Save(rec); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		log.Printf("server_event=stopping server_id=%s name=%q", rec.ID, rec.Name)
	}
	r.mu.Unlock()

	srv.ShutdownAsync()
	return rec, nil
}

// Wait blocks until the server process exited, ctx is done or timeout
// elapsed. The current record is returned in every case.
func (r *Registry) Wait(ctx context.Context, id string, timeout time.Duration) (*models.ServerRecord, error) {
	rec, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		return rec, nil
	}

	srv := r.server(id)
	if srv == nil {
		return r.store.Get(id)
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := srv.Wait(waitCtx); err != nil {
		rec, _ = r.store.Get(id)
		return rec, fmt.Errorf("timeout waiting for server %s: %w", id, err)
	}
	return r.store.Get(id)
}

// Browsers returns the browsers currently captured by a server.
func (r *Registry) Browsers(id string) ([]models.BrowserInfo, error) {
	rec, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	if srv := r.server(id); srv != nil {
		return srv.CapturedBrowsers(), nil
	}
	return rec.Browsers, nil
}

// Output returns the last lines the server wrote. The log file is preferred;
// the in-memory tail is used when there is none.
func (r *Registry) Output(id string, lines int) (string, error) {
	rec, err := r.store.Get(id)
	if err != nil {
		return "", err
	}

	var content string
	if rec.LogFile != "" {
		data, err := os.ReadFile(rec.LogFile)
		if err == nil {
			content = strings.TrimRight(string(data), "\n")
		} else if !os.IsNotExist(err) {
			log.Printf("Warning: failed to read log file %s: %v", rec.LogFile, err)
		}
	}
	if content == "" {
		if srv := r.server(id); srv != nil {
			content = srv.OutputTail()
		} else {
			content = rec.OutputTail
		}
	}

	return lastLines(content, lines), nil
}

func lastLines(content string, n int) string {
	if n <= 0 || content == "" {
		return content
	}
	all := strings.Split(content, "\n")
	if len(all) <= n {
		return content
	}
	return strings.Join(all[len(all)-n:], "\n")
}

// Purge stops a live server, removes its log file and deletes its record.
// Purging a missing server returns nil.
func (r *Registry) Purge(id string) error {
	r.mu.Lock()
	rec, err := r.store.Get(id)
	if err != nil {
		r.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	srv := r.servers[id]
	if err := r.store.Delete(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	if srv != nil {
		if err := srv.Close(); err != nil {
			log.Printf("Warning: failed to stop server %s during purge: %v", id, err)
		}
	}

	if rec.LogFile != "" {
		if err := os.Remove(rec.LogFile); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to remove log file %s: %v", rec.LogFile, err)
		}
	}

	log.Printf("server_event=purged server_id=%s name=%q", rec.ID, rec.Name)
	r.persist()
	return nil
}

// Subscribe streams output lines and lifecycle events of a live server. The
// channel is closed when ctx is done or the server process exits. Events are
// dropped for subscribers that fall behind.
func (r *Registry) Subscribe(ctx context.Context, id string) (<-chan models.StreamEvent, error) {
	if _, err := r.store.Get(id); err != nil {
		return nil, err
	}
	srv := r.server(id)
	if srv == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	sub := &subscription{ch: make(chan models.StreamEvent, subscriberQueue)}

	removeOutput := srv.AddOutputListener(supervisor.OutputListenerFuncs{
		Output: func(text string, stream models.Stream) {
			sub.send(models.StreamEvent{
				Kind:   models.StreamEventOutput,
				Stream: stream,
				Text:   text,
				Time:   time.Now(),
			})
		},
	})

	lifecycle := func(typ string, b *models.BrowserInfo) {
		sub.send(models.StreamEvent{
			Kind:    models.StreamEventLifecycle,
			Type:    typ,
			Browser: b,
			Time:    time.Now(),
		})
	}
	subCtx, cancel := context.WithCancel(ctx)
	srv.AddLifeCycleListener(subCtx, supervisor.LifeCycleFuncs{
		Started: func() { lifecycle(models.LifecycleServerStarted, nil) },
		Stopped: func() { lifecycle(models.LifecycleServerStopped, nil) },
		Captured: func(b models.BrowserInfo) {
			lifecycle(models.LifecycleBrowserCaptured, &b)
		},
		Panicked: func(b models.BrowserInfo) {
			lifecycle(models.LifecycleBrowserPanicked, &b)
		},
	})

	go func() {
		select {
		case <-subCtx.Done():
		case <-srv.Done():
		case <-r.ctx.Done():
		}
		cancel()
		removeOutput()
		sub.close()
	}()

	return sub.ch, nil
}

type subscription struct {
	mu     sync.Mutex
	ch     chan models.StreamEvent
	closed bool
}

func (s *subscription) send(ev models.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Stats holds registry statistics.
type Stats struct {
	Total      int `json:"total"`
	Live       int `json:"live"`
	Starting   int `json:"starting"`
	Running    int `json:"running"`
	Stopping   int `json:"stopping"`
	Terminated int `json:"terminated"`
	Failed     int `json:"failed"`
	Browsers   int `json:"browsers"`
}

// GetStats returns registry statistics.
func (r *Registry) GetStats() Stats {
	records, _ := r.store.List(store.ListFilter{})

	var stats Stats
	for _, rec := range records {
		stats.Total++
		switch rec.Status {
		case models.ServerStatusStarting:
			stats.Starting++
		case models.ServerStatusRunning:
			stats.Running++
		case models.ServerStatusStopping:
			stats.Stopping++
		case models.ServerStatusTerminated:
			stats.Terminated++
		case models.ServerStatusFailed:
			stats.Failed++
		}
	}

	r.mu.Lock()
	for _, srv := range r.servers {
		stats.Live++
		stats.Browsers += len(srv.CapturedBrowsers())
	}
	r.mu.Unlock()

	return stats
}

// Close shuts every live server down, waits for them to exit and closes the
// store.
func (r *Registry) Close() error {
	r.mu.Lock()
	live := make([]*supervisor.Server, 0, len(r.servers))
	for id, srv := range r.servers {
		live = append(live, srv)
		if rec, err := r.store.Get(id); err == nil && rec.IsLive() {
			rec.Status = models.ServerStatusStopping
			r.store.Save(rec)
		}
	}
	r.mu.Unlock()

	var result *multierror.Error

	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, srv := range live {
		wg.Add(1)
		go func(srv *supervisor.Server) {
			defer wg.Done()
			if err := srv.Close(); err != nil {
				errMu.Lock()
				result = multierror.Append(result, err)
				errMu.Unlock()
			}
		}(srv)
	}
	wg.Wait()

	r.cancel()

	if err := r.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close store: %w", err))
	}
	return result.ErrorOrNil()
}

func generateID() string {
	return fmt.Sprintf("srv-%s", uuid.New().String()[:8])
}

func logServerRequested(rec *models.ServerRecord) {
	log.Printf(
		"server_event=requested server_id=%s port=%d runner_mode=%s browser_timeout=%q log_file=%q",
		rec.ID,
		rec.Settings.Port,
		rec.Settings.RunnerMode,
		rec.Settings.BrowserTimeout.String(),
		rec.LogFile,
	)
}

func logServerFinished(rec *models.ServerRecord) {
	uptime := ""
	if rec.StartedAt != nil && rec.TerminatedAt != nil {
		uptime = rec.TerminatedAt.Sub(*rec.StartedAt).String()
	}

	exitCode := ""
	if rec.ExitCode != nil {
		exitCode = fmt.Sprintf("%d", *rec.ExitCode)
	}

	log.Printf(
		"server_event=finished server_id=%s name=%q status=%s exit_code=%s error=%q uptime=%q log_file=%q",
		rec.ID,
		rec.Name,
		rec.Status,
		exitCode,
		strings.TrimSpace(rec.Error),
		uptime,
		rec.LogFile,
	)
}
