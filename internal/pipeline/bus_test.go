package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grouprelay/backend/internal/logging"
	"github.com/grouprelay/backend/internal/pipeline"
	"github.com/grouprelay/backend/internal/session"
)

type busRecorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *busRecorder) Publish(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *busRecorder) logsContaining(marker string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if l, ok := ev.(session.Log); ok && strings.Contains(l.Text, marker) {
			out = append(out, l.Text)
		}
	}
	return out
}

type rejectingOCR struct{}

func (rejectingOCR) Recognize(context.Context, []byte, string) (string, error) {
	return "", errors.New("unreadable image")
}

type cannedOCR string

func (c cannedOCR) Recognize(context.Context, []byte, string) (string, error) {
	return string(c), nil
}

func wiredPipeline(t *testing.T, ocr pipeline.Recognizer, consoleLevel string) (*pipeline.Pipeline, *busRecorder) {
	t.Helper()
	base, closer := logging.New(logging.Config{Level: consoleLevel}, io.Discard)
	t.Cleanup(func() { closer.Close() })

	bus := &busRecorder{}
	logger := logging.WithComponent(slog.New(logging.WithBus(base, bus)), "pipeline")
	archiver := pipeline.NewArchiver(t.TempDir(), pipeline.CollisionOverwrite, pipeline.OSFS{})
	return pipeline.New(ocr, archiver, "por", logger), bus
}

func TestPipeline_RejectedImagePublishesOneFailureLog(t *testing.T) {
	p, bus := wiredPipeline(t, rejectingOCR{}, "info")

	task := p.Submit(pipeline.NewAttachment([]byte{0x89, 'P', 'N', 'G'}, "image/png", ""))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	require.ErrorIs(t, err, pipeline.ErrExtraction)

	failures := bus.logsContaining(pipeline.MsgExtractionFailed)
	require.Len(t, failures, 1)
	assert.True(t, strings.HasPrefix(failures[0], "[pipeline] "+pipeline.MsgExtractionFailed))
}

func TestPipeline_ExtractedTextReachesObserversAtAnyConsoleLevel(t *testing.T) {
	p, bus := wiredPipeline(t, cannedOCR("TOTAL R$ 87,40"), "error")

	_, err := p.Process(context.Background(), pipeline.NewAttachment([]byte{0xff, 0xd8}, "image/jpeg", ""))
	require.NoError(t, err)

	assert.Len(t, bus.logsContaining(`text="TOTAL R$ 87,40"`), 1)
}
