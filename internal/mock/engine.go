// Package mock provides a scripted messaging engine and OCR stand-in so the
// relay can run end to end without a phone or tesseract.
package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/grouprelay/backend/internal/session"
)

// ErrUnknownMedia is returned by FetchAttachment for handles the engine did
// not hand out.
var ErrUnknownMedia = errors.New("unknown media handle")

type Options struct {
	// TargetGroup is the display name given to the scripted target group.
	TargetGroup string
	// Tick is the interval between scripted engine callbacks.
	Tick time.Duration
	// PairingChallenges is how many pairing codes are issued before ready.
	PairingChallenges int
	// LogoutAfter ends the session with LOGOUT after this many messages.
	// 0 keeps the session alive until teardown.
	LogoutAfter int
	// Seed makes the message order reproducible.
	Seed int64
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 2 * time.Second
	}
	if o.PairingChallenges <= 0 {
		o.PairingChallenges = 2
	}
	if o.TargetGroup == "" {
		o.TargetGroup = "Receipts"
	}
	return o
}

const (
	TargetID = "120363000000000001@g.us"
	familyID = "120363000000000002@g.us"
	workID   = "120363000000000003@g.us"
)

type mockAttachment struct {
	typ  string
	mime string
	file string
	data []byte
}

type mockMessage struct {
	conversation string
	body         string
	mtype        string
	attachments  []mockAttachment
}

var (
	jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	pdfBytes  = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n%%EOF\n")
	oggBytes  = []byte("OggS\x00\x02")
)

var script = []mockMessage{
	{conversation: TargetID, body: "bom dia, segue o comprovante", mtype: "chat"},
	{conversation: TargetID, body: "pix do almoço", mtype: "image", attachments: []mockAttachment{
		{typ: "image", mime: "image/jpeg", data: jpegBytes},
	}},
	{conversation: familyID, body: "alguém vem jantar?", mtype: "chat"},
	{conversation: TargetID, body: "nota fiscal", mtype: "document", attachments: []mockAttachment{
		{typ: "document", mime: "application/pdf", file: "nota.pdf", data: pdfBytes},
	}},
	{conversation: workID, body: "reunião às 15h", mtype: "chat"},
	{conversation: TargetID, body: "", mtype: "ptt", attachments: []mockAttachment{
		{typ: "audio", mime: "audio/ogg; codecs=opus", data: oggBytes},
	}},
	{conversation: TargetID, body: "dois recibos", mtype: "image", attachments: []mockAttachment{
		{typ: "image", mime: "image/png", data: jpegBytes},
		{typ: "document", mime: "application/pdf", file: "recibo.pdf", data: pdfBytes},
	}},
}

// NewFactory returns an EngineFactory building scripted engines.
func NewFactory(opts Options, logger *slog.Logger) session.EngineFactory {
	opts = opts.withDefaults()
	var n int64
	var mu sync.Mutex
	return func(h session.EngineHandlers) (session.Engine, error) {
		mu.Lock()
		n++
		seed := opts.Seed + n
		mu.Unlock()
		return newEngine(opts, h, seed, logger), nil
	}
}

// Engine plays a fixed script: pairing challenges, ready, then messages
// across several conversations.
type Engine struct {
	opts  Options
	h     session.EngineHandlers
	log   *slog.Logger
	rng   *rand.Rand
	convs []session.Conversation

	mu     sync.Mutex
	media  map[string]session.Media
	nextID int
	cancel context.CancelFunc
	done   chan struct{}
}

func newEngine(opts Options, h session.EngineHandlers, seed int64, logger *slog.Logger) *Engine {
	return &Engine{
		opts: opts,
		h:    h,
		log:  logger,
		rng:  rand.New(rand.NewSource(seed)),
		convs: []session.Conversation{
			{ID: familyID, Name: "Family"},
			{ID: TargetID, Name: opts.TargetGroup},
			{ID: workID, Name: "Work"},
		},
		media: make(map[string]session.Media),
	}
}

// Initialize starts the script and returns immediately.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("mock engine already initialized")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx)
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.Tick)
	defer ticker.Stop()

	tick := 0
	sent := 0
	readyAt := e.opts.PairingChallenges + 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tick++

		switch {
		case tick < readyAt:
			e.h.OnPairingChallenge(e.pairingToken())
		case tick == readyAt:
			e.h.OnReady()
		default:
			if e.opts.LogoutAfter > 0 && sent >= e.opts.LogoutAfter {
				e.h.OnDisconnected("LOGOUT")
				return
			}
			e.h.OnMessage(e.nextMessage())
			sent++
		}
	}
}

func (e *Engine) pairingToken() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	b := make([]byte, 32)
	for i := range b {
		b[i] = alphabet[e.rng.Intn(len(alphabet))]
	}
	return "2@" + string(b) + ",mock"
}

func (e *Engine) nextMessage() session.Message {
	m := script[e.rng.Intn(len(script))]
	msg := session.Message{
		ConversationID: m.conversation,
		Body:           m.body,
		Type:           m.mtype,
	}
	for _, a := range m.attachments {
		msg.Attachments = append(msg.Attachments, session.AttachmentRef{
			Type:     a.typ,
			MimeType: a.mime,
			FileName: a.file,
			Handle:   e.stash(a),
		})
	}
	return msg
}

func (e *Engine) stash(a mockAttachment) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	key := fmt.Sprintf("media-%d", e.nextID)
	e.media[key] = session.Media{Data: a.data, MimeType: a.mime, FileName: a.file}
	return key
}

func (e *Engine) ListConversations(ctx context.Context) ([]session.Conversation, error) {
	return e.convs, nil
}

// FetchAttachment returns stashed media once; a second fetch of the same
// handle fails like an expired media key would.
func (e *Engine) FetchAttachment(ctx context.Context, ref session.AttachmentRef) (session.Media, error) {
	key, _ := ref.Handle.(string)
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.media[key]
	if !ok {
		return session.Media{}, fmt.Errorf("%w: %v", ErrUnknownMedia, ref.Handle)
	}
	delete(e.media, key)
	return m, nil
}

// Done is closed when the script goroutine exits. It is nil before
// Initialize.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Teardown stops the script. It does not wait for the script goroutine,
// which may be the caller.
func (e *Engine) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.log.Debug("mock engine stopped")
	return nil
}
