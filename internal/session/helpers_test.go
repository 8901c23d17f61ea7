package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/grouprelay/backend/internal/pipeline"
)

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// lifecycle returns events other than Log.
func (r *recorder) lifecycle() []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind() != KindLog {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

// fakeEngine records calls and lets tests fire callbacks.
type fakeEngine struct {
	h EngineHandlers

	mu            sync.Mutex
	convs         []Conversation
	listErr       error
	media         map[string]Media
	fetchErr      error
	initErr       error
	teardownErr   error
	initialized   int
	teardowns     int
	fetches       int
	initializedCh chan struct{}
}

func newFakeEngine(h EngineHandlers) *fakeEngine {
	return &fakeEngine{
		h:             h,
		media:         make(map[string]Media),
		initializedCh: make(chan struct{}, 1),
	}
}

func (e *fakeEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	e.initialized++
	err := e.initErr
	e.mu.Unlock()
	select {
	case e.initializedCh <- struct{}{}:
	default:
	}
	return err
}

func (e *fakeEngine) ListConversations(ctx context.Context) ([]Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convs, e.listErr
}

func (e *fakeEngine) FetchAttachment(ctx context.Context, ref AttachmentRef) (Media, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetches++
	if e.fetchErr != nil {
		return Media{}, e.fetchErr
	}
	key, _ := ref.Handle.(string)
	m, ok := e.media[key]
	if !ok {
		return Media{}, errors.New("no such media")
	}
	return m, nil
}

func (e *fakeEngine) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardowns++
	return e.teardownErr
}

// fakeProcessor counts submissions without processing anything.
type fakeProcessor struct {
	mu        sync.Mutex
	submitted []pipeline.Attachment
}

func (p *fakeProcessor) Submit(a pipeline.Attachment) *pipeline.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, a)
	return nil
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

func (p *fakeProcessor) get(i int) pipeline.Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted[i]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logSink is a slog.Handler that keeps record messages.
type logSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *logSink) Enabled(context.Context, slog.Level) bool { return true }

func (s *logSink) Handle(_ context.Context, r slog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, r.Message)
	return nil
}

func (s *logSink) WithAttrs([]slog.Attr) slog.Handler { return s }
func (s *logSink) WithGroup(string) slog.Handler      { return s }

func (s *logSink) has(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
