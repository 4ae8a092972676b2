package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sevir/jstd-supervisor/pkg/models"
)

func TestParseEvent(t *testing.T) {
	ev, ok, err := ParseEvent(`##jstd-server {"type":"browser_captured","browser":{"id":"7","name":"Firefox","version":"121","os":"Mac"}}`)
	if !ok || err != nil {
		t.Fatalf("Expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Type != EventBrowserCaptured {
		t.Errorf("Expected browser_captured, got %s", ev.Type)
	}
	want := &models.BrowserInfo{ID: "7", Name: "Firefox", Version: "121", OS: "Mac"}
	if diff := cmp.Diff(want, ev.Browser); diff != "" {
		t.Errorf("Browser mismatch (-want +got):\n%s", diff)
	}

	ev, ok, err = ParseEvent(`##jstd-server {"type":"started"}`)
	if !ok || err != nil || ev.Type != EventStarted || ev.Browser != nil {
		t.Errorf("Unexpected started event: %+v ok=%v err=%v", ev, ok, err)
	}
}

func TestParseEventRejects(t *testing.T) {
	if _, ok, err := ParseEvent("plain output"); ok || err != nil {
		t.Errorf("Plain line must not be an event: ok=%v err=%v", ok, err)
	}

	bad := []string{
		`##jstd-server {oops`,
		`##jstd-server [1,2]`,
		`##jstd-server {"type":"exploded"}`,
		`##jstd-server {"type":"browser_captured","browser":{}}`,
		`##jstd-server {"type":"browser_panicked"}`,
	}
	for _, line := range bad {
		if _, ok, err := ParseEvent(line); !ok || err == nil {
			t.Errorf("%s: expected event line with error, got ok=%v err=%v", line, ok, err)
		}
	}
}

type recordingListener struct {
	mu     sync.Mutex
	output []string
	events []EventType
}

func (r *recordingListener) OnOutput(text string, stream models.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, string(stream)+":"+text)
}

func (r *recordingListener) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Type)
}

func TestOutputProcessorFanOut(t *testing.T) {
	var logBuf bytes.Buffer
	p := NewOutputProcessor("test", &logBuf)

	a := &recordingListener{}
	b := &recordingListener{}
	p.AddListener(a)
	p.AddListener(b)

	stdout := strings.NewReader("hello\n##jstd-server {\"type\":\"started\"}\n##jstd-server {broken\nbye\n")
	stderr := strings.NewReader("oops\n")
	p.Start(stdout, stderr)
	p.Wait()

	for _, l := range []*recordingListener{a, b} {
		wantEvents := []EventType{EventStarted}
		if diff := cmp.Diff(wantEvents, l.events); diff != "" {
			t.Errorf("Events mismatch (-want +got):\n%s", diff)
		}
		if len(l.output) != 4 {
			t.Errorf("Expected 4 output lines, got %v", l.output)
		}
	}

	// Stdout order is preserved.
	var stdoutLines []string
	for _, o := range a.output {
		if strings.HasPrefix(o, "stdout:") {
			stdoutLines = append(stdoutLines, o)
		}
	}
	want := []string{"stdout:hello", "stdout:##jstd-server {broken", "stdout:bye"}
	if diff := cmp.Diff(want, stdoutLines); diff != "" {
		t.Errorf("Stdout order mismatch (-want +got):\n%s", diff)
	}

	if !strings.Contains(logBuf.String(), "[stderr] oops\n") {
		t.Errorf("Expected stderr prefix in log, got %q", logBuf.String())
	}
	if !strings.Contains(logBuf.String(), "hello\n") {
		t.Errorf("Expected stdout in log, got %q", logBuf.String())
	}
}

func TestOutputProcessorDispose(t *testing.T) {
	p := NewOutputProcessor("test", nil)
	l := &recordingListener{}
	p.AddListener(l)
	p.Dispose()
	p.Dispose()
	p.AddListener(&recordingListener{})

	p.Start(strings.NewReader("a\nb\n"), strings.NewReader(""))
	p.Wait()

	if len(l.output) != 0 {
		t.Errorf("Disposed processor must not notify, got %v", l.output)
	}
	if got := p.Tail(); got != "a\nb" {
		t.Errorf("Tail must still be recorded, got %q", got)
	}
}

func TestOutputProcessorTailIsBounded(t *testing.T) {
	p := NewOutputProcessor("test", nil)

	var in strings.Builder
	for i := 0; i < outputTailLines+10; i++ {
		fmt.Fprintf(&in, "line %d\n", i)
	}
	p.Start(strings.NewReader(in.String()), io.LimitReader(strings.NewReader(""), 0))
	p.Wait()

	lines := strings.Split(p.Tail(), "\n")
	if len(lines) != outputTailLines {
		t.Fatalf("Expected %d tail lines, got %d", outputTailLines, len(lines))
	}
	if lines[0] != "line 10" {
		t.Errorf("Expected tail to start at line 10, got %q", lines[0])
	}
}

func TestOutputListenerFuncsNilSafe(t *testing.T) {
	var f OutputListenerFuncs
	f.OnOutput("x", models.StreamStdout)
	f.OnEvent(Event{Type: EventStarted})
}

func TestOutputProcessorRemoveListener(t *testing.T) {
	p := NewOutputProcessor("test", nil)
	kept := &recordingListener{}
	dropped := &recordingListener{}
	p.AddListener(kept)
	remove := p.AddListener(dropped)
	remove()
	remove()

	p.Start(strings.NewReader("x\n"), strings.NewReader(""))
	p.Wait()

	if len(kept.output) != 1 {
		t.Errorf("Expected kept listener to see 1 line, got %v", kept.output)
	}
	if len(dropped.output) != 0 {
		t.Errorf("Removed listener was notified: %v", dropped.output)
	}
}
