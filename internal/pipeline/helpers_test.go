package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
)

// capture is a slog.Handler that keeps records.
type capture struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *capture) Enabled(context.Context, slog.Level) bool { return true }

func (c *capture) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r.Clone())
	return nil
}

func (c *capture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *capture) WithGroup(string) slog.Handler      { return c }

func (c *capture) messages(level slog.Level) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range c.records {
		if r.Level == level {
			out = append(out, r.Message)
		}
	}
	return out
}

// fakeOCR returns text or err and counts calls.
type fakeOCR struct {
	mu       sync.Mutex
	text     string
	err      error
	panics   bool
	calls    int
	language string
}

func (o *fakeOCR) Recognize(ctx context.Context, image []byte, language string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.language = language
	if o.panics {
		panic("tesseract segfault")
	}
	return o.text, o.err
}

func (o *fakeOCR) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// memFS is an in-memory FS.
type memFS struct {
	mu       sync.Mutex
	dirs     map[string]int
	files    map[string][]byte
	mkdirErr error
	writeErr error
	ops      int
}

func newMemFS() *memFS {
	return &memFS{dirs: make(map[string]int), files: make(map[string][]byte)}
}

func (m *memFS) MkdirAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.mkdirErr != nil {
		return m.mkdirErr
	}
	m.dirs[path]++
	return nil
}

func (m *memFS) WriteFile(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.writeErr != nil {
		return m.writeErr
	}
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *memFS) WriteNew(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.files[path]; ok {
		return &fs.PathError{Op: "open", Path: path, Err: fs.ErrExist}
	}
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *memFS) opCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops
}

var errDiskFull = errors.New("no space left on device")
