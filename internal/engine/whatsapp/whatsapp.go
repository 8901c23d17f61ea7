// Package whatsapp implements session.Engine on top of whatsmeow. Device
// credentials live in a SQLite store shared by every session, so a restart
// reconnects without pairing unless the phone logged the device out.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	_ "modernc.org/sqlite"

	"github.com/grouprelay/backend/internal/logging"
	"github.com/grouprelay/backend/internal/session"
)

// Disconnect reasons reported to the controller.
const (
	ReasonLogout         = "LOGOUT"
	ReasonConflict       = "CONFLICT"
	ReasonTemporaryBan   = "TEMPORARY_BAN"
	ReasonPairingTimeout = "PAIRING_TIMEOUT"
	ReasonPairingError   = "PAIRING_ERROR"
)

var (
	errNotConnected = errors.New("whatsapp client not initialized")
	errTornDown     = errors.New("whatsapp engine already torn down")
)

// OpenStore opens (creating if needed) the device store at path.
func OpenStore(ctx context.Context, path string, logger *slog.Logger) (*sqlstore.Container, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, newLogger(logger.With(logging.ModuleKey, "store")))
	if err != nil {
		return nil, fmt.Errorf("open device store %s: %w", path, err)
	}
	return container, nil
}

// NewFactory returns an EngineFactory whose engines share container.
func NewFactory(container *sqlstore.Container, logger *slog.Logger) session.EngineFactory {
	return func(h session.EngineHandlers) (session.Engine, error) {
		if container == nil {
			return nil, errors.New("no device store")
		}
		return &Engine{container: container, h: h, log: logger}, nil
	}
}

type Engine struct {
	container *sqlstore.Container
	h         session.EngineHandlers
	log       *slog.Logger

	mu       sync.Mutex
	client   *whatsmeow.Client
	cancelQR context.CancelFunc
	closed   bool
}

// Initialize loads the device, starts pairing if it has no identity yet and
// connects. It returns once the socket is open; readiness arrives through
// OnReady. After Teardown it fails and leaves no client running.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.isClosed() {
		return errTornDown
	}
	device, err := e.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, newLogger(e.log.With(logging.ModuleKey, "client")))
	client.AddEventHandler(e.dispatch)
	if !e.adopt(client) {
		return errTornDown
	}

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(ctx)
		if !e.adoptPairing(cancel) {
			return errTornDown
		}

		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("open pairing channel: %w", err)
		}
		go e.watchPairing(qrChan)
	} else {
		e.log.Info("restoring saved device", "jid", client.Store.ID.String())
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	// Teardown may have run while Connect was dialing.
	if e.isClosed() {
		client.Disconnect()
		return errTornDown
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// adopt records client as the live client unless the engine is torn down.
func (e *Engine) adopt(client *whatsmeow.Client) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.client = client
	return true
}

// adoptPairing records cancel for Teardown, or calls it at once if the engine
// is already torn down.
func (e *Engine) adoptPairing(cancel context.CancelFunc) bool {
	e.mu.Lock()
	closed := e.closed
	if !closed {
		e.cancelQR = cancel
	}
	e.mu.Unlock()
	if closed {
		cancel()
	}
	return !closed
}

func (e *Engine) watchPairing(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			e.h.OnPairingChallenge(item.Code)
		case "success":
			e.log.Info("device paired")
		case "timeout":
			e.h.OnDisconnected(ReasonPairingTimeout)
		default:
			e.log.Warn("pairing failed", "event", item.Event, "error", item.Error)
			e.h.OnDisconnected(ReasonPairingError)
		}
	}
}

// dispatch maps whatsmeow events to engine callbacks.
func (e *Engine) dispatch(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		e.h.OnReady()
	case *events.LoggedOut:
		e.h.OnDisconnected(ReasonLogout)
	case *events.StreamReplaced:
		e.h.OnDisconnected(ReasonConflict)
	case *events.TemporaryBan:
		e.h.OnDisconnected(ReasonTemporaryBan)
	case *events.ConnectFailure:
		e.h.OnDisconnected(fmt.Sprintf("CONNECT_FAILURE_%d", int(v.Reason)))
	case *events.Disconnected:
		// whatsmeow reconnects on its own; the session stays up.
		e.log.Warn("connection dropped, reconnecting")
	case *events.Message:
		if v.Info.IsFromMe {
			return
		}
		e.h.OnMessage(toMessage(v))
	}
}

func (e *Engine) currentClient() (*whatsmeow.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, errNotConnected
	}
	return e.client, nil
}

func (e *Engine) ListConversations(ctx context.Context) ([]session.Conversation, error) {
	client, err := e.currentClient()
	if err != nil {
		return nil, err
	}
	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]session.Conversation, 0, len(groups))
	for _, g := range groups {
		if g == nil {
			continue
		}
		out = append(out, session.Conversation{ID: g.JID.String(), Name: g.Name})
	}
	return out, nil
}

func (e *Engine) FetchAttachment(ctx context.Context, ref session.AttachmentRef) (session.Media, error) {
	client, err := e.currentClient()
	if err != nil {
		return session.Media{}, err
	}
	dm, ok := ref.Handle.(whatsmeow.DownloadableMessage)
	if !ok {
		return session.Media{}, fmt.Errorf("attachment %s is not downloadable", ref.Type)
	}
	data, err := client.Download(ctx, dm)
	if err != nil {
		return session.Media{}, fmt.Errorf("download %s: %w", ref.Type, err)
	}
	return session.Media{Data: data, MimeType: ref.MimeType, FileName: ref.FileName}, nil
}

// Teardown disconnects the socket. The device store stays open for the next
// session.
func (e *Engine) Teardown() error {
	e.mu.Lock()
	client := e.client
	cancel := e.cancelQR
	e.client = nil
	e.cancelQR = nil
	e.closed = true
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Disconnect()
	}
	return nil
}

// toMessage flattens a whatsmeow message into session.Message.
func toMessage(evt *events.Message) session.Message {
	m := evt.Message
	msg := session.Message{
		ConversationID: evt.Info.Chat.String(),
		Type:           evt.Info.Type,
	}
	if evt.Info.MediaType != "" {
		msg.Type = evt.Info.MediaType
	}
	if m == nil {
		return msg
	}

	switch {
	case m.GetConversation() != "":
		msg.Body = m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		msg.Body = m.GetExtendedTextMessage().GetText()
	}

	if img := m.GetImageMessage(); img != nil {
		msg.Body = firstNonEmpty(msg.Body, img.GetCaption())
		msg.Attachments = append(msg.Attachments, session.AttachmentRef{
			Type: "image", MimeType: img.GetMimetype(), Handle: img,
		})
	}
	doc := m.GetDocumentMessage()
	if doc == nil {
		doc = m.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage()
	}
	if doc != nil {
		msg.Body = firstNonEmpty(msg.Body, doc.GetCaption())
		msg.Attachments = append(msg.Attachments, session.AttachmentRef{
			Type: "document", MimeType: doc.GetMimetype(), FileName: doc.GetFileName(), Handle: doc,
		})
	}
	if vid := m.GetVideoMessage(); vid != nil {
		msg.Body = firstNonEmpty(msg.Body, vid.GetCaption())
		msg.Attachments = append(msg.Attachments, session.AttachmentRef{
			Type: "video", MimeType: vid.GetMimetype(), Handle: vid,
		})
	}
	if aud := m.GetAudioMessage(); aud != nil {
		msg.Attachments = append(msg.Attachments, session.AttachmentRef{
			Type: "audio", MimeType: aud.GetMimetype(), Handle: aud,
		})
	}
	if st := m.GetStickerMessage(); st != nil {
		msg.Attachments = append(msg.Attachments, session.AttachmentRef{
			Type: "sticker", MimeType: st.GetMimetype(), Handle: st,
		})
	}
	return msg
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

var _ whatsmeow.DownloadableMessage = (*waE2E.ImageMessage)(nil)
