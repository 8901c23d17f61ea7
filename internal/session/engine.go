package session

import (
	"context"
	"errors"
)

var (
	// ErrPairing means a pairing challenge could not be rendered.
	ErrPairing = errors.New("pairing error")
	// ErrReadinessLookup means the target conversation was not found on ready.
	ErrReadinessLookup = errors.New("target conversation lookup failed")
	// ErrAttachmentFetch means attachment bytes could not be downloaded.
	ErrAttachmentFetch = errors.New("attachment fetch failed")
	// ErrTeardown means the engine did not shut down cleanly.
	ErrTeardown = errors.New("engine teardown failed")
)

// Conversation is a chat visible to the engine.
type Conversation struct {
	ID   string
	Name string
}

// AttachmentRef describes media carried by a message. Handle is
// engine-specific and passed back to Engine.FetchAttachment untouched.
type AttachmentRef struct {
	Type     string
	MimeType string
	FileName string
	Handle   any
}

// Media is downloaded attachment content.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// Message is an inbound conversation event.
type Message struct {
	ConversationID string
	Body           string
	Type           string
	Attachments    []AttachmentRef
}

// HasAttachment reports whether the message carries media.
func (m Message) HasAttachment() bool {
	return len(m.Attachments) > 0
}

// Engine is the messaging-platform collaborator. One Engine serves exactly
// one Session; a restart builds a fresh one through the EngineFactory.
type Engine interface {
	// Initialize connects. It may block until the engine is connected or
	// fails; callbacks fire from engine goroutines in the meantime.
	Initialize(ctx context.Context) error
	ListConversations(ctx context.Context) ([]Conversation, error)
	FetchAttachment(ctx context.Context, ref AttachmentRef) (Media, error)
	Teardown() error
}

// EngineHandlers receive engine callbacks. Any field may be invoked from any
// goroutine.
type EngineHandlers struct {
	OnPairingChallenge func(token string)
	OnReady            func()
	OnMessage          func(msg Message)
	OnDisconnected     func(reason string)
}

// EngineFactory builds the engine for a new session.
type EngineFactory func(h EngineHandlers) (Engine, error)
