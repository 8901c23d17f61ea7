// Package pipeline classifies attachments and runs them through OCR or the
// document archive. Every attachment is processed on its own goroutine and
// every failure stops at the attachment: it is logged, never returned to
// the code that submitted it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrExtraction wraps OCR failures.
	ErrExtraction = errors.New("text extraction error")
	// ErrIO wraps filesystem failures while archiving.
	ErrIO = errors.New("archive io error")
	// ErrUnsupported is returned for attachments that are neither images
	// nor PDFs.
	ErrUnsupported = errors.New("unsupported attachment type")
)

// Log messages observers can match on.
const (
	MsgExtractionFailed = "ocr extraction failed"
	MsgArchiveFailed    = "could not archive pdf"
)

// Recognizer is the OCR collaborator.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, language string) (string, error)
}

type Pipeline struct {
	ocr      Recognizer
	archiver *Archiver
	language string
	log      *slog.Logger

	wg        sync.WaitGroup
	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

func New(ocr Recognizer, archiver *Archiver, language string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		ocr:      ocr,
		archiver: archiver,
		language: language,
		log:      logger,
	}
}

// Task is a handle on one submitted attachment. It may outlive the session
// that submitted it; nothing cancels it.
type Task struct {
	done     chan struct{}
	artifact Artifact
	err      error
}

// Done is closed when processing has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Artifact, error) {
	select {
	case <-t.done:
		return t.artifact, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit starts processing a on a new goroutine and returns immediately.
func (p *Pipeline) Submit(a Attachment) *Task {
	t := &Task{done: make(chan struct{})}
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.wg.Done()
			close(t.done)
		}()
		t.artifact, t.err = p.Process(context.Background(), a)
	}()
	return t
}

// Process runs the handler for a's kind synchronously. Errors are logged
// here; the returned error is informational.
func (p *Pipeline) Process(ctx context.Context, a Attachment) (art Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attachment handler panic: %v", r)
			art = nil
			p.log.Error("attachment processing crashed", "kind", a.Kind, "panic", r, "stack", string(debug.Stack()))
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.processed.Add(1)
		}
	}()

	switch a.Kind {
	case KindImage:
		return p.processImage(ctx, a)
	case KindPDF:
		return p.processDocument(a)
	default:
		p.log.Warn("unsupported file type", "mimetype", a.MimeType)
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, a.MimeType)
	}
}

func (p *Pipeline) processImage(ctx context.Context, a Attachment) (Artifact, error) {
	p.log.Info("image received, extracting text", "bytes", len(a.Data))
	text, err := p.ocr.Recognize(ctx, a.Data, p.language)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrExtraction, err)
		p.log.Error(MsgExtractionFailed, "error", err)
		return nil, err
	}
	p.log.Info("text extracted from image", "text", text)
	return ExtractedText{Source: a.Source(), Text: text}, nil
}

func (p *Pipeline) processDocument(a Attachment) (Artifact, error) {
	p.log.Info("pdf received, saving file", "bytes", len(a.Data))
	path, err := p.archiver.Store(a.Data)
	if err != nil {
		p.log.Error(MsgArchiveFailed, "error", err)
		return nil, err
	}
	p.log.Info("pdf saved", "path", path)
	return StoredFile{Source: a.Source(), Path: path}, nil
}

// Wait blocks until every submitted task has finished or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	InFlight  int64 `json:"inFlight"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		InFlight:  p.inFlight.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}
