package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grouprelay/backend/internal/pipeline"
)

// Processor receives downloaded attachments. Submit must return without
// waiting for processing.
type Processor interface {
	Submit(a pipeline.Attachment) *pipeline.Task
}

// AttachmentFetcher downloads attachment bytes.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, ref AttachmentRef) (Media, error)
}

// Filter narrows inbound messages to the target conversation and forwards
// their text to observers and their media to the pipeline.
type Filter struct {
	bus       Publisher
	processor Processor
	log       *slog.Logger
}

func NewFilter(bus Publisher, processor Processor, logger *slog.Logger) *Filter {
	return &Filter{
		bus:       bus,
		processor: processor,
		log:       logger,
	}
}

// Handle drops msg unless it came from target. Otherwise it publishes the
// body and starts one download per attachment; it never waits for a download
// or for processing. It reports whether the message was accepted.
func (f *Filter) Handle(ctx context.Context, target string, fetcher AttachmentFetcher, msg Message) bool {
	if target == "" || msg.ConversationID != target {
		return false
	}

	f.log.Info("new message in group", "body", msg.Body)
	f.bus.Publish(InboundMessage{Text: msg.Body})

	if msg.Type != "" {
		f.log.Info("message type", "type", msg.Type)
	}
	if !msg.HasAttachment() {
		f.log.Info("message has no media")
		return true
	}

	for _, ref := range msg.Attachments {
		go f.fetch(ctx, fetcher, ref)
	}
	return true
}

func (f *Filter) fetch(ctx context.Context, fetcher AttachmentFetcher, ref AttachmentRef) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("attachment download crashed", "panic", r)
		}
	}()

	f.log.Info("downloading file", "type", ref.Type)
	media, err := fetcher.FetchAttachment(ctx, ref)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrAttachmentFetch, err)
		f.log.Error("could not download media", "error", err)
		return
	}

	mimeType := media.MimeType
	if mimeType == "" {
		mimeType = ref.MimeType
	}
	fileName := media.FileName
	if fileName == "" {
		fileName = ref.FileName
	}
	f.log.Info("file received", "type", ref.Type, "mimetype", mimeType)
	f.processor.Submit(pipeline.NewAttachment(media.Data, mimeType, fileName))
}
