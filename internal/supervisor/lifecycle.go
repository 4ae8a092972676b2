package supervisor

import (
	"context"
	"sync"

	"github.com/sevir/jstd-supervisor/pkg/models"
)

// LifeCycleListener is notified about server and browser transitions.
type LifeCycleListener interface {
	OnServerStarted()
	OnServerStopped()
	OnBrowserCaptured(browser models.BrowserInfo)
	OnBrowserPanicked(browser models.BrowserInfo)
}

// LifeCycleFuncs adapts plain functions to LifeCycleListener. Nil fields are skipped.
type LifeCycleFuncs struct {
	Started  func()
	Stopped  func()
	Captured func(browser models.BrowserInfo)
	Panicked func(browser models.BrowserInfo)
}

func (f LifeCycleFuncs) OnServerStarted() {
	if f.Started != nil {
		f.Started()
	}
}

func (f LifeCycleFuncs) OnServerStopped() {
	if f.Stopped != nil {
		f.Stopped()
	}
}

func (f LifeCycleFuncs) OnBrowserCaptured(b models.BrowserInfo) {
	if f.Captured != nil {
		f.Captured(b)
	}
}

func (f LifeCycleFuncs) OnBrowserPanicked(b models.BrowserInfo) {
	if f.Panicked != nil {
		f.Panicked(b)
	}
}

type lifeCycleEntry struct {
	id       int
	listener LifeCycleListener
}

// LifeCycleManager turns server events into lifecycle state: whether the
// server has started or stopped and which browsers are captured. Once
// stopped it never restarts.
type LifeCycleManager struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	browsers  map[string]models.BrowserInfo
	order     []string
	listeners []lifeCycleEntry
	stops     map[int]func() bool
	nextID    int
	disposed  bool
}

// NewLifeCycleManager creates an empty manager.
func NewLifeCycleManager() *LifeCycleManager {
	return &LifeCycleManager{
		browsers: make(map[string]models.BrowserInfo),
		stops:    make(map[int]func() bool),
	}
}

// AddListener registers l until ctx is done or the returned func is called.
// A listener added after the server stopped gets OnServerStopped right away.
// Once the manager is disposed listeners only get that notification.
func (m *LifeCycleManager) AddListener(ctx context.Context, l LifeCycleListener) (remove func()) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		l.OnServerStopped()
		return func() {}
	}
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, lifeCycleEntry{id: id, listener: l})
	stopped := m.stopped
	m.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { m.removeListener(id) })
		m.mu.Lock()
		if m.hasListener(id) {
			m.stops[id] = stop
			stop = nil
		}
		m.mu.Unlock()
		if stop != nil {
			stop()
		}
	}

	if stopped {
		l.OnServerStopped()
	}
	return func() { m.removeListener(id) }
}

// hasListener reports whether id is registered. Callers hold m.mu.
func (m *LifeCycleManager) hasListener(id int) bool {
	for _, e := range m.listeners {
		if e.id == id {
			return true
		}
	}
	return false
}

func (m *LifeCycleManager) removeListener(id int) {
	m.mu.Lock()
	stop := m.stops[id]
	delete(m.stops, id)
	for i, e := range m.listeners {
		if e.id == id {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Dispose drops every listener and releases their contexts. It is called
// once the process exited and is safe to call more than once.
func (m *LifeCycleManager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	stops := m.stops
	m.stops = nil
	m.listeners = nil
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

func (m *LifeCycleManager) snapshot() []LifeCycleListener {
	out := make([]LifeCycleListener, len(m.listeners))
	for i, e := range m.listeners {
		out[i] = e.listener
	}
	return out
}

// OnOutput implements OutputListener.
func (m *LifeCycleManager) OnOutput(string, models.Stream) {}

// OnEvent implements OutputListener.
func (m *LifeCycleManager) OnEvent(event Event) {
	switch event.Type {
	case EventStarted:
		m.onStarted()
	case EventStopped:
		m.onStopped()
	case EventBrowserCaptured:
		if event.Browser != nil {
			b := *event.Browser
			if b.CapturedAt.IsZero() {
				b.CapturedAt = event.Time
			}
			m.onCaptured(b)
		}
	case EventBrowserPanicked:
		if event.Browser != nil {
			m.onPanicked(event.Browser.ID)
		}
	}
}

// OnTerminated records that the process exited.
func (m *LifeCycleManager) OnTerminated() {
	m.onStopped()
}

func (m *LifeCycleManager) onStarted() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	listeners := m.snapshot()
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnServerStarted()
	}
}

func (m *LifeCycleManager) onStopped() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	panicked := make([]models.BrowserInfo, 0, len(m.order))
	for _, id := range m.order {
		panicked = append(panicked, m.browsers[id])
	}
	m.browsers = make(map[string]models.BrowserInfo)
	m.order = nil
	listeners := m.snapshot()
	m.mu.Unlock()

	for _, b := range panicked {
		for _, l := range listeners {
			l.OnBrowserPanicked(b)
		}
	}
	for _, l := range listeners {
		l.OnServerStopped()
	}
}

func (m *LifeCycleManager) onCaptured(b models.BrowserInfo) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if _, exists := m.browsers[b.ID]; !exists {
		m.order = append(m.order, b.ID)
	}
	m.browsers[b.ID] = b
	listeners := m.snapshot()
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnBrowserCaptured(b)
	}
}

func (m *LifeCycleManager) onPanicked(id string) {
	m.mu.Lock()
	b, exists := m.browsers[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.browsers, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	listeners := m.snapshot()
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnBrowserPanicked(b)
	}
}

// CapturedBrowsers returns the captured browsers in capture order.
func (m *LifeCycleManager) CapturedBrowsers() []models.BrowserInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.BrowserInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.browsers[id])
	}
	return out
}

// IsServerStarted reports whether the server announced it is up.
func (m *LifeCycleManager) IsServerStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// IsServerStopped reports whether the server stopped or its process exited.
func (m *LifeCycleManager) IsServerStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
