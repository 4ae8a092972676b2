package registry

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sevir/jstd-supervisor/internal/cmdline"
	"github.com/sevir/jstd-supervisor/internal/store"
	"github.com/sevir/jstd-supervisor/internal/supervisor/supervisortest"
	"github.com/sevir/jstd-supervisor/pkg/models"
)

func TestHelperProcess(t *testing.T) {
	supervisortest.RunHelperProcess()
}

var testDefaults = models.Settings{
	Port:           9876,
	RunnerMode:     models.RunnerModeQuiet,
	BrowserTimeout: models.Duration(30 * time.Second),
}

func setupTestRegistry(t *testing.T, factory cmdline.Factory) (*Registry, string) {
	t.Helper()
	tmpDir := t.TempDir()

	reg, err := New(Config{
		StorePath:     filepath.Join(tmpDir, "servers.json"),
		LogDir:        filepath.Join(tmpDir, "logs"),
		Factory:       factory,
		Defaults:      testDefaults,
		ShutdownGrace: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg, tmpDir
}

func waitForStatus(t *testing.T, reg *Registry, id string, status models.ServerStatus) *models.ServerRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := reg.Get(id)
		if err != nil {
			t.Fatalf("Failed to get server: %v", err)
		}
		if rec.Status == status {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s, server is %s", status, rec.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryServerLifecycle(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.Serve))
	ctx := context.Background()

	rec, err := reg.Start(ctx, models.StartRequest{Port: 9890})
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if !strings.HasPrefix(rec.ID, "srv-") {
		t.Errorf("Expected srv- id, got %s", rec.ID)
	}
	if rec.URL != "http://127.0.0.1:9890" {
		t.Errorf("Unexpected URL %s", rec.URL)
	}
	if rec.Settings.RunnerMode != models.RunnerModeQuiet {
		t.Errorf("Expected default runner mode, got %s", rec.Settings.RunnerMode)
	}
	if rec.PID <= 0 || rec.StartedAt == nil || rec.Name == "" {
		t.Errorf("Expected process details in record: %+v", rec)
	}

	rec = waitForStatus(t, reg, rec.ID, models.ServerStatusRunning)

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.Browsers) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		rec, _ = reg.Get(rec.ID)
	}
	if len(rec.Browsers) != 1 || rec.Browsers[0].Name != "Chrome" {
		t.Fatalf("Expected Chrome to be captured, got %+v", rec.Browsers)
	}

	browsers, err := reg.Browsers(rec.ID)
	if err != nil || len(browsers) != 1 {
		t.Errorf("Expected 1 live browser, got %v (err=%v)", browsers, err)
	}

	out, err := reg.Output(rec.ID, 0)
	if err != nil {
		t.Fatalf("Failed to get output: %v", err)
	}
	if !strings.Contains(out, "listening on port 9890") {
		t.Errorf("Expected output to contain listening line, got %q", out)
	}

	stats := reg.GetStats()
	if stats.Live != 1 || stats.Running != 1 || stats.Browsers != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	stopping, err := reg.Shutdown(rec.ID)
	if err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if stopping.Status != models.ServerStatusStopping {
		t.Errorf("Expected stopping, got %s", stopping.Status)
	}

	final, err := reg.Wait(ctx, rec.ID, 10*time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.Status != models.ServerStatusTerminated {
		t.Errorf("Expected terminated, got %s", final.Status)
	}
	if final.Error != "" {
		t.Errorf("Requested shutdown must not record an error, got %q", final.Error)
	}
	if final.ExitCode == nil || final.TerminatedAt == nil {
		t.Errorf("Expected exit details, got %+v", final)
	}
	if len(final.Browsers) != 0 {
		t.Errorf("Browsers must be released, got %v", final.Browsers)
	}

	if _, err := reg.Shutdown(rec.ID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if _, err := reg.Subscribe(ctx, rec.ID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning for subscribe, got %v", err)
	}
}

func TestRegistryPortInUse(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.Serve))
	ctx := context.Background()

	first, err := reg.Start(ctx, models.StartRequest{Port: 9891})
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if _, err := reg.Start(ctx, models.StartRequest{Port: 9891}); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("Expected ErrPortInUse, got %v", err)
	}

	if _, err := reg.Shutdown(first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Wait(ctx, first.ID, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	second, err := reg.Start(ctx, models.StartRequest{Port: 9891})
	if err != nil {
		t.Fatalf("Port must be free after the first server exited: %v", err)
	}
	if second.ID == first.ID {
		t.Error("Expected a new id")
	}
}

func TestRegistryExitCode(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.StopAndExit))

	rec, err := reg.Start(context.Background(), models.StartRequest{Port: 9892})
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	final, err := reg.Wait(context.Background(), rec.ID, 10*time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.Status != models.ServerStatusTerminated {
		t.Errorf("Expected terminated, got %s", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != supervisortest.ExitCodeStopAndExit {
		t.Errorf("Expected exit code %d, got %v", supervisortest.ExitCodeStopAndExit, final.ExitCode)
	}
	if final.Error == "" {
		t.Error("Expected unexpected exit to be recorded as error")
	}
	if !strings.Contains(final.OutputTail, "shutting down") {
		t.Errorf("Expected output tail to be kept, got %q", final.OutputTail)
	}

	out, err := reg.Output(rec.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "\n") {
		t.Errorf("Expected a single line, got %q", out)
	}
}

func TestRegistryStartFailures(t *testing.T) {
	broken := cmdline.FactoryFunc(func(models.Settings) (*cmdline.CommandLine, error) {
		return nil, errors.New("no classpath configured")
	})
	reg, _ := setupTestRegistry(t, broken)
	ctx := context.Background()

	if _, err := reg.Start(ctx, models.StartRequest{RunnerMode: "LOUD"}); err == nil {
		t.Error("Expected invalid runner mode to be rejected")
	}
	if _, err := reg.Start(ctx, models.StartRequest{BrowserTimeout: "soon"}); err == nil {
		t.Error("Expected invalid browser timeout to be rejected")
	}
	if recs, _ := reg.List(models.ListRequest{}); len(recs) != 0 {
		t.Errorf("Invalid requests must not create records, got %d", len(recs))
	}

	_, err := reg.Start(ctx, models.StartRequest{})
	if err == nil || !strings.Contains(err.Error(), "no classpath configured") {
		t.Fatalf("Expected factory error, got %v", err)
	}

	failed, err := reg.List(models.ListRequest{Status: []models.ServerStatus{models.ServerStatusFailed}})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("Expected 1 failed record, got %d", len(failed))
	}
	if !strings.Contains(failed[0].Error, "no classpath configured") {
		t.Errorf("Expected error to be recorded, got %q", failed[0].Error)
	}
	if failed[0].LogFile != "" {
		t.Errorf("Failed record must not point at a log file, got %s", failed[0].LogFile)
	}
	if reg.GetStats().Failed != 1 {
		t.Errorf("Expected 1 failed in stats, got %+v", reg.GetStats())
	}
}

func TestRegistrySettings(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.Serve))

	s, err := reg.Settings(models.StartRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if s != testDefaults {
		t.Errorf("Expected defaults, got %+v", s)
	}

	s, err = reg.Settings(models.StartRequest{Port: 4224, RunnerMode: "debug", BrowserTimeout: "2m"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Port != 4224 || s.RunnerMode != models.RunnerModeDebug || time.Duration(s.BrowserTimeout) != 2*time.Minute {
		t.Errorf("Unexpected merged settings %+v", s)
	}

	if _, err := reg.Settings(models.StartRequest{Port: 70000}); err == nil {
		t.Error("Expected invalid port to be rejected")
	}
}

func TestRegistrySubscribe(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.Serve))
	ctx := context.Background()

	rec, err := reg.Start(ctx, models.StartRequest{Port: 9893})
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	waitForStatus(t, reg, rec.ID, models.ServerStatusRunning)

	events, err := reg.Subscribe(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if b, _ := reg.Browsers(rec.ID); len(b) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for browser capture")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := reg.Shutdown(rec.ID); err != nil {
		t.Fatal(err)
	}

	var types []string
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			if ev.Kind == models.StreamEventLifecycle {
				types = append(types, ev.Type)
			}
		case <-timeout:
			t.Fatalf("Stream was not closed, got %v", types)
		}
	}

	want := []string{models.LifecycleBrowserPanicked, models.LifecycleServerStopped}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("Expected lifecycle events %v, got %v", want, types)
	}
}

func TestRegistrySubscribeContextCancel(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.Serve))

	rec, err := reg.Start(context.Background(), models.StartRequest{Port: 9894})
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := reg.Subscribe(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	cancel()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				if r, _ := reg.Get(rec.ID); r.IsTerminal() {
					t.Error("Cancelling a subscription must not stop the server")
				}
				return
			}
		case <-timeout:
			t.Fatal("Stream was not closed after cancel")
		}
	}
}

func TestRegistryPurge(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.Serve))

	rec, err := reg.Start(context.Background(), models.StartRequest{Port: 9895})
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	waitForStatus(t, reg, rec.ID, models.ServerStatusRunning)

	if err := reg.Purge(rec.ID); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if _, err := reg.Get(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after purge, got %v", err)
	}
	if _, err := os.Stat(rec.LogFile); !os.IsNotExist(err) {
		t.Errorf("Expected log file to be removed, got %v", err)
	}
	if reg.GetStats().Live != 0 {
		t.Errorf("Expected no live servers after purge, got %+v", reg.GetStats())
	}

	if err := reg.Purge(rec.ID); err != nil {
		t.Errorf("Purging a missing server must succeed, got %v", err)
	}
}

func TestRegistryReconcile(t *testing.T) {
	tmpDir := t.TempDir()
	storePath := filepath.Join(tmpDir, "servers.json")

	fs, err := store.NewFileStore(storePath)
	if err != nil {
		t.Fatal(err)
	}
	stale := &models.ServerRecord{
		ID:        "srv-stale",
		Status:    models.ServerStatusRunning,
		Settings:  testDefaults,
		Browsers:  []models.BrowserInfo{{ID: "1"}},
		CreatedAt: time.Now(),
	}
	done := &models.ServerRecord{
		ID:        "srv-done",
		Status:    models.ServerStatusTerminated,
		CreatedAt: time.Now(),
	}
	for _, rec := range []*models.ServerRecord{stale, done} {
		if err := fs.Save(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	reg, err := New(Config{
		StorePath: storePath,
		Factory:   supervisortest.Factory(supervisortest.Serve),
		Defaults:  testDefaults,
	})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	defer reg.Close()

	rec, err := reg.Get("srv-stale")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.ServerStatusTerminated || rec.Error != reconciledError {
		t.Errorf("Expected reconciled record, got status=%s error=%q", rec.Status, rec.Error)
	}
	if len(rec.Browsers) != 0 || rec.TerminatedAt == nil {
		t.Errorf("Expected browsers cleared and termination time set: %+v", rec)
	}

	untouched, _ := reg.Get("srv-done")
	if untouched.Error != "" {
		t.Errorf("Terminal records must be left alone, got %q", untouched.Error)
	}

	if _, err := reg.Wait(context.Background(), "srv-stale", time.Second); err != nil {
		t.Errorf("Wait on a terminal record must return at once: %v", err)
	}
}

func TestRegistryWaitTimeout(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.Serve))

	rec, err := reg.Start(context.Background(), models.StartRequest{Port: 9896})
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	current, err := reg.Wait(context.Background(), rec.ID, 50*time.Millisecond)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if current == nil || current.IsTerminal() {
		t.Errorf("Expected the live record on timeout, got %+v", current)
	}
	if _, err := reg.Wait(context.Background(), "srv-missing", time.Second); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistryCloseStopsServers(t *testing.T) {
	tmpDir := t.TempDir()
	reg, err := New(Config{
		StorePath:     filepath.Join(tmpDir, "servers.json"),
		Factory:       supervisortest.Factory(supervisortest.Serve),
		Defaults:      testDefaults,
		ShutdownGrace: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, port := range []int{9897, 9898} {
		if _, err := reg.Start(context.Background(), models.StartRequest{Port: port}); err != nil {
			t.Fatalf("Failed to start server on %d: %v", port, err)
		}
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The store lock is released and every record is terminal.
	fs, err := store.NewFileStore(filepath.Join(tmpDir, "servers.json"))
	if err != nil {
		t.Fatalf("Store still locked after Close: %v", err)
	}
	defer fs.Close()
	recs, _ := fs.List(store.ListFilter{})
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.Status != models.ServerStatusTerminated {
			t.Errorf("Expected %s to be terminated, got %s", rec.ID, rec.Status)
		}
	}
}

func TestRegistryLogging(t *testing.T) {
	broken := cmdline.FactoryFunc(func(models.Settings) (*cmdline.CommandLine, error) {
		return nil, errors.New("java not found")
	})
	reg, _ := setupTestRegistry(t, broken)

	buf := &bytes.Buffer{}
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	}()

	reg.Start(context.Background(), models.StartRequest{Port: 9899})

	out := buf.String()
	if !strings.Contains(out, "server_event=requested") {
		t.Fatalf("Expected requested log entry, got:\n%s", out)
	}
	if !strings.Contains(out, "port=9899") {
		t.Fatalf("Expected port in logs, got:\n%s", out)
	}
	if !strings.Contains(out, "server_event=finished") || !strings.Contains(out, "status=failed") {
		t.Fatalf("Expected failed finish log entry, got:\n%s", out)
	}
}

func TestRegistryReleasesExitedServers(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.StopAndExit))
	ctx := context.Background()

	run := func() {
		t.Helper()
		rec, err := reg.Start(ctx, models.StartRequest{Port: 9899})
		if err != nil {
			t.Fatalf("Failed to start server: %v", err)
		}
		if _, err := reg.Wait(ctx, rec.ID, 5*time.Second); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	run()
	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	const servers = 20
	for i := 0; i < servers; i++ {
		run()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		after := runtime.NumGoroutine()
		if after <= before {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Goroutines grew from %d to %d after %d exited servers", before, after, servers)
		}
		time.Sleep(20 * time.Millisecond)
	}

	reg.mu.Lock()
	live := len(reg.servers)
	reg.mu.Unlock()
	if live != 0 {
		t.Errorf("Expected no live servers, got %d", live)
	}
}

func TestSubscriptionDropsWhenFull(t *testing.T) {
	sub := &subscription{ch: make(chan models.StreamEvent, subscriberQueue)}

	sent := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueue*2; i++ {
			sub.send(models.StreamEvent{Kind: models.StreamEventOutput, Text: strconv.Itoa(i)})
		}
		close(sent)
	}()

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("send blocked on a full subscriber")
	}

	if len(sub.ch) != subscriberQueue {
		t.Fatalf("Expected %d queued events, got %d", subscriberQueue, len(sub.ch))
	}
	if first := <-sub.ch; first.Text != "0" {
		t.Errorf("Expected oldest events to be kept, got %q first", first.Text)
	}

	sub.close()
	sub.close()
	sub.send(models.StreamEvent{Kind: models.StreamEventOutput})
}

func TestRegistrySlowSubscriberDoesNotBlockOutput(t *testing.T) {
	reg, _ := setupTestRegistry(t, supervisortest.Factory(supervisortest.Flood))
	ctx := context.Background()

	rec, err := reg.Start(ctx, models.StartRequest{Port: 9889})
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	// Never read until the flood is through.
	events, err := reg.Subscribe(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	last := "flood " + strconv.Itoa(supervisortest.FloodLines-1)
	deadline := time.Now().Add(10 * time.Second)
	for {
		out, err := reg.Output(rec.ID, 1)
		if err != nil {
			t.Fatal(err)
		}
		if out == last {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Output stalled behind a slow subscriber, last line %q", out)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := reg.Shutdown(rec.ID); err != nil {
		t.Fatal(err)
	}

	received := 0
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case _, ok := <-events:
			if !ok {
				done = true
				break
			}
			received++
		case <-timeout:
			t.Fatal("Stream was not closed")
		}
	}
	if received > subscriberQueue+2 {
		t.Errorf("Expected at most %d events for a slow subscriber, got %d", subscriberQueue+2, received)
	}
}

func TestRegistryPersistsTerminalRecords(t *testing.T) {
	reg, tmpDir := setupTestRegistry(t, supervisortest.Factory(supervisortest.StopAndExit))
	ctx := context.Background()

	rec, err := reg.Start(ctx, models.StartRequest{Port: 9888})
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if _, err := reg.Wait(ctx, rec.ID, 5*time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "servers.json"))
	if err != nil {
		t.Fatalf("Store not written after exit: %v", err)
	}
	if !strings.Contains(string(data), `"status": "terminated"`) {
		t.Errorf("Expected terminated record on disk, got %s", data)
	}

	if err := reg.Purge(rec.ID); err != nil {
		t.Fatal(err)
	}
	data, err = os.ReadFile(filepath.Join(tmpDir, "servers.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), rec.ID) {
		t.Errorf("Expected purged record to be gone from disk, got %s", data)
	}
}

func TestRegistryCloseReportsStoreFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("an open lock file cannot be removed on windows")
	}

	dir := filepath.Join(t.TempDir(), "state")
	reg, err := New(Config{
		StorePath: filepath.Join(dir, "servers.json"),
		Factory:   supervisortest.Factory(supervisortest.Serve),
		Defaults:  testDefaults,
	})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	err = reg.Close()
	if err == nil {
		t.Fatal("Expected Close to report the failed final save")
	}
	if !strings.Contains(err.Error(), "failed to close store") {
		t.Errorf("Unexpected error: %v", err)
	}
}
