package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdp/qrterminal/v3"
)

// DisconnectedNotice is the text observers see when a session drops.
const DisconnectedNotice = "Client disconnected. Please scan the QR code again."

// Options configures a Controller. All values are fixed for the life of the
// process.
type Options struct {
	// TargetGroup is matched exactly against conversation names on ready.
	TargetGroup string
	// RestartCooldown is the fixed delay between a disconnect and the next
	// session.
	RestartCooldown time.Duration
	// RenderURL is the pairing image template containing {code}.
	RenderURL string
	// QRWriter, when non-nil, receives a terminal rendering of each pairing
	// code.
	QRWriter io.Writer
}

// Controller owns the session lifecycle. It builds an Engine for every
// session, reacts to engine callbacks, and restarts after each disconnect
// without an attempt limit.
type Controller struct {
	opts    Options
	factory EngineFactory
	bus     Publisher
	filter  *Filter
	log     *slog.Logger
	slot    *Slot

	// afterFunc and now are replaced in tests.
	afterFunc func(time.Duration, func())
	now       func() time.Time

	mu     sync.Mutex // guards ctx and engine
	ctx    context.Context
	engine Engine

	restarts atomic.Int64
}

func NewController(opts Options, factory EngineFactory, bus Publisher, processor Processor, logger *slog.Logger) *Controller {
	return &Controller{
		opts:    opts,
		factory: factory,
		bus:     bus,
		filter:  NewFilter(bus, processor, logger),
		log:     logger,
		slot:    NewSlot(),
		afterFunc: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		now: time.Now,
	}
}

// Start creates the first session. ctx bounds the controller: once it is
// done, pending restarts are skipped.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.startSession()
}

// Stop tears down the current engine. It does not publish Disconnected.
func (c *Controller) Stop() {
	c.mu.Lock()
	eng := c.engine
	c.engine = nil
	c.mu.Unlock()
	if eng == nil {
		return
	}
	if err := eng.Teardown(); err != nil {
		c.log.Error("engine shutdown failed", "error", fmt.Errorf("%w: %v", ErrTeardown, err))
	}
}

func (c *Controller) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Controller) currentEngine() Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

func (c *Controller) startSession() {
	sess := c.slot.Replace(c.now())
	gen := sess.Generation
	c.log.Info("starting messaging client", "session", sess.ID, "generation", gen)

	eng, err := c.factory(c.handlersFor(gen))
	if err != nil {
		c.log.Error("could not create messaging client", "error", err)
		c.handleDisconnected(gen, "engine unavailable: "+err.Error())
		return
	}

	c.mu.Lock()
	c.engine = eng
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer c.recoverFault("initialize")
		if err := eng.Initialize(ctx); err != nil {
			c.log.Error("could not start messaging client", "error", err)
			c.handleDisconnected(gen, "initialize failed: "+err.Error())
			return
		}
		c.log.Info("messaging client initialized", "generation", gen)
	}()
}

// handlersFor binds callbacks to one generation so that late callbacks from
// a superseded engine are ignored.
func (c *Controller) handlersFor(gen uint64) EngineHandlers {
	return EngineHandlers{
		OnPairingChallenge: func(token string) {
			defer c.recoverFault("pairing challenge")
			c.handlePairing(gen, token)
		},
		OnReady: func() {
			defer c.recoverFault("ready")
			c.handleReady(gen)
		},
		OnMessage: func(msg Message) {
			defer c.recoverFault("message")
			c.handleMessage(gen, msg)
		},
		OnDisconnected: func(reason string) {
			defer c.recoverFault("disconnected")
			c.handleDisconnected(gen, reason)
		},
	}
}

func (c *Controller) handlePairing(gen uint64, token string) {
	var show bool
	c.slot.Update(gen, func(s *Session) bool {
		if s.connected || s.IsTerminal() {
			c.log.Debug("ignoring pairing challenge", "state", s.State)
			return false
		}
		s.State = StateAwaitingPairing
		s.PairingToken = token

		code, err := RenderPairingURL(c.opts.RenderURL, token)
		if err != nil {
			c.log.Error("could not render pairing code", "error", err)
			return false
		}
		c.log.Info("scan this QR code to pair")
		c.bus.Publish(PairingRequired{Code: code})
		show = true
		return true
	})

	if show && c.opts.QRWriter != nil {
		qrterminal.GenerateHalfBlock(token, qrterminal.L, c.opts.QRWriter)
	}
}

func (c *Controller) handleReady(gen uint64) {
	accepted := c.slot.Update(gen, func(s *Session) bool {
		if s.IsTerminal() {
			return false
		}
		s.connected = true
		s.State = StateReady
		s.PairingToken = ""
		return true
	})
	if !accepted {
		return
	}
	c.log.Info("messaging client ready")

	target, lookupErr := c.resolveTarget()

	c.slot.Update(gen, func(s *Session) bool {
		if s.IsTerminal() {
			return false
		}
		if lookupErr != nil {
			c.log.Warn("group not found", "group", c.opts.TargetGroup, "error", lookupErr)
		} else {
			s.TargetChannelID = target
			c.log.Info("group found", "group", c.opts.TargetGroup, "id", target)
		}
		c.bus.Publish(Ready{})
		return true
	})
}

func (c *Controller) resolveTarget() (string, error) {
	eng := c.currentEngine()
	if eng == nil {
		return "", fmt.Errorf("%w: no engine", ErrReadinessLookup)
	}
	convs, err := eng.ListConversations(c.context())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReadinessLookup, err)
	}
	return FindConversation(convs, c.opts.TargetGroup)
}

// FindConversation returns the ID of the conversation whose name equals name
// exactly.
func FindConversation(convs []Conversation, name string) (string, error) {
	for _, conv := range convs {
		if conv.Name == name {
			return conv.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no conversation named %q among %d", ErrReadinessLookup, name, len(convs))
}

func (c *Controller) handleMessage(gen uint64, msg Message) {
	eng := c.currentEngine()
	ctx := c.context()
	c.slot.Update(gen, func(s *Session) bool {
		if s.IsTerminal() {
			return false
		}
		return c.filter.Handle(ctx, s.TargetChannelID, eng, msg)
	})
}

func (c *Controller) handleDisconnected(gen uint64, reason string) {
	accepted := c.slot.Update(gen, func(s *Session) bool {
		if s.IsTerminal() {
			return false
		}
		s.State = StateDisconnected
		s.connected = false
		s.PairingToken = ""
		c.log.Warn("client disconnected", "reason", reason)
		c.bus.Publish(Disconnected{Reason: reason})
		return true
	})
	if !accepted {
		return
	}

	c.mu.Lock()
	eng := c.engine
	c.engine = nil
	c.mu.Unlock()

	if eng != nil {
		c.log.Info("shutting down messaging client before restart")
		if err := eng.Teardown(); err != nil {
			c.log.Error("could not shut down messaging client", "error", fmt.Errorf("%w: %v", ErrTeardown, err))
		}
	}

	c.log.Info("waiting before restart", "cooldown", c.opts.RestartCooldown)
	c.afterFunc(c.opts.RestartCooldown, c.restart)
}

func (c *Controller) restart() {
	defer c.recoverFault("restart")
	if err := c.context().Err(); err != nil {
		c.log.Info("skipping restart, shutting down")
		return
	}
	c.restarts.Add(1)
	c.startSession()
}

// recoverFault keeps an unexpected panic in engine or handler code from
// taking the process down.
func (c *Controller) recoverFault(where string) {
	if r := recover(); r != nil {
		c.log.Error("uncaught fault", "where", where, "panic", r, "stack", string(debug.Stack()))
	}
}

// Status is a snapshot of the current session for the status endpoint.
type Status struct {
	Session        Session `json:"session"`
	TargetGroup    string  `json:"targetGroup"`
	TargetResolved bool    `json:"targetResolved"`
	Restarts       int64   `json:"restarts"`
}

func (c *Controller) Status() Status {
	sess, _ := c.slot.Get()
	return Status{
		Session:        sess,
		TargetGroup:    c.opts.TargetGroup,
		TargetResolved: sess.TargetResolved(),
		Restarts:       c.restarts.Load(),
	}
}

// Session returns a copy of the current session.
func (c *Controller) Session() (Session, bool) {
	return c.slot.Get()
}

// PairingToken returns the outstanding pairing token, if any.
func (c *Controller) PairingToken() (string, bool) {
	sess, ok := c.slot.Get()
	if !ok || sess.State != StateAwaitingPairing || sess.PairingToken == "" {
		return "", false
	}
	return sess.PairingToken, true
}
