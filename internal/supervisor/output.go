package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sevir/jstd-supervisor/pkg/models"
	"github.com/tidwall/gjson"
)

const (
	// EventPrefix marks a stdout line that carries a JSON server event.
	EventPrefix = "##jstd-server "

	outputTailLines = 50
	maxLineSize     = 1024 * 1024
)

// EventType is the kind of a server event line.
type EventType string

const (
	EventStarted         EventType = "started"
	EventStopped         EventType = "stopped"
	EventBrowserCaptured EventType = "browser_captured"
	EventBrowserPanicked EventType = "browser_panicked"
)

// Event is a structured notification emitted by the server process.
type Event struct {
	Type    EventType
	Browser *models.BrowserInfo
	Time    time.Time
}

// OutputListener receives everything the server process writes.
type OutputListener interface {
	// OnOutput is called for every plain output line.
	OnOutput(text string, stream models.Stream)
	// OnEvent is called for every well-formed event line.
	OnEvent(event Event)
}

// OutputListenerFuncs adapts plain functions to OutputListener. Nil fields are skipped.
type OutputListenerFuncs struct {
	Output func(text string, stream models.Stream)
	Event  func(event Event)
}

func (f OutputListenerFuncs) OnOutput(text string, stream models.Stream) {
	if f.Output != nil {
		f.Output(text, stream)
	}
}

func (f OutputListenerFuncs) OnEvent(event Event) {
	if f.Event != nil {
		f.Event(event)
	}
}

// ParseEvent parses an event line. ok is false when line is not an event
// line at all; err is set when it is one but cannot be decoded.
func ParseEvent(line string) (event Event, ok bool, err error) {
	if !strings.HasPrefix(line, EventPrefix) {
		return Event{}, false, nil
	}
	payload := strings.TrimSpace(line[len(EventPrefix):])
	if !gjson.Valid(payload) {
		return Event{}, true, fmt.Errorf("invalid event payload: %q", payload)
	}
	res := gjson.Parse(payload)
	if !res.IsObject() {
		return Event{}, true, fmt.Errorf("event payload is not an object: %q", payload)
	}

	event = Event{
		Type: EventType(res.Get("type").String()),
		Time: time.Now(),
	}

	switch event.Type {
	case EventStarted, EventStopped:
	case EventBrowserCaptured, EventBrowserPanicked:
		b := res.Get("browser")
		id := b.Get("id").String()
		if id == "" {
			return Event{}, true, fmt.Errorf("%s event without browser id", event.Type)
		}
		event.Browser = &models.BrowserInfo{
			ID:      id,
			Name:    b.Get("name").String(),
			Version: b.Get("version").String(),
			OS:      b.Get("os").String(),
		}
	default:
		return Event{}, true, fmt.Errorf("unknown event type %q", event.Type)
	}

	return event, true, nil
}

// OutputProcessor reads the child's stdout and stderr and fans every line
// out to its listeners. Listeners are invoked one line at a time, in the
// order lines were read.
type OutputProcessor struct {
	name string

	mu        sync.Mutex
	listeners []outputEntry
	nextID    int
	disposed  bool

	dispatchMu sync.Mutex
	logFile    io.Writer
	tail       []string

	wg sync.WaitGroup
}

// NewOutputProcessor creates a processor. logFile may be nil.
func NewOutputProcessor(name string, logFile io.Writer) *OutputProcessor {
	return &OutputProcessor{
		name:    name,
		logFile: logFile,
	}
}

type outputEntry struct {
	id       int
	listener OutputListener
}

// AddListener registers a listener until remove is called. It is ignored
// after Dispose.
func (p *OutputProcessor) AddListener(l OutputListener) (remove func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return func() {}
	}
	p.nextID++
	id := p.nextID
	p.listeners = append(p.listeners, outputEntry{id: id, listener: l})
	return func() { p.removeListener(id) }
}

func (p *OutputProcessor) removeListener(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.listeners {
		if e.id == id {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

// Dispose drops all listeners. Reading continues so the child never blocks
// on a full pipe.
func (p *OutputProcessor) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed = true
	p.listeners = nil
}

// Start begins reading both streams in the background.
func (p *OutputProcessor) Start(stdout, stderr io.Reader) {
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.consume(stdout, models.StreamStdout)
	}()
	go func() {
		defer p.wg.Done()
		p.consume(stderr, models.StreamStderr)
	}()
}

// Wait blocks until both streams hit EOF.
func (p *OutputProcessor) Wait() {
	p.wg.Wait()
}

// Tail returns the last lines of output.
func (p *OutputProcessor) Tail() string {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()
	return strings.Join(p.tail, "\n")
}

func (p *OutputProcessor) consume(r io.Reader, stream models.Stream) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		p.handleLine(scanner.Text(), stream)
	}
	// A closed pipe means the server gave up waiting for EOF.
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Printf("Warning: %s: failed to read %s: %v", p.name, stream, err)
	}
}

func (p *OutputProcessor) handleLine(line string, stream models.Stream) {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	if p.logFile != nil {
		prefix := ""
		if stream == models.StreamStderr {
			prefix = "[stderr] "
		}
		fmt.Fprintf(p.logFile, "%s%s\n", prefix, line)
	}

	p.tail = append(p.tail, line)
	if len(p.tail) > outputTailLines {
		p.tail = p.tail[len(p.tail)-outputTailLines:]
	}

	listeners := p.snapshot()

	if stream == models.StreamStdout {
		event, isEvent, err := ParseEvent(line)
		if err != nil {
			log.Printf("Warning: %s: %v", p.name, err)
		}
		if isEvent && err == nil {
			for _, l := range listeners {
				l.OnEvent(event)
			}
			return
		}
	}

	for _, l := range listeners {
		l.OnOutput(line, stream)
	}
}

func (p *OutputProcessor) snapshot() []OutputListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OutputListener, len(p.listeners))
	for i, e := range p.listeners {
		out[i] = e.listener
	}
	return out
}
