package logging

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/grouprelay/backend/internal/session"
)

// omitKeys are attributes left out of observer log lines.
var omitKeys = map[string]bool{
	"stack": true,
}

// ModuleKey tags records from the messaging protocol library. Below warn
// they stay on the console and are not mirrored to observers.
const ModuleKey = "module"

// busHandler publishes every record as a session.Log event, whatever the
// console level.
type busHandler struct {
	bus       session.Publisher
	component string
	protocol  bool     // carries ModuleKey
	prefix    string   // open group path, dot-terminated
	attrs     []string // preformatted key=value pairs
}

// WithBus returns a handler that writes to base and mirrors records to bus.
// base must not itself publish to bus.
func WithBus(base slog.Handler, bus session.Publisher) slog.Handler {
	return &multiHandler{handlers: []slog.Handler{
		base,
		&busHandler{bus: bus},
	}}
}

func (h *busHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.protocol {
		return level >= slog.LevelWarn
	}
	return true
}

func (h *busHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	if h.component != "" {
		b.WriteString("[" + h.component + "] ")
	}
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	h.bus.Publish(session.Log{Text: b.String()})
	return nil
}

func (h *busHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		if h.prefix == "" && a.Key == ComponentKey {
			next.component = a.Value.String()
			continue
		}
		if h.prefix == "" && a.Key == ModuleKey {
			next.protocol = true
		}
		var b strings.Builder
		appendAttr(&b, h.prefix, a)
		if b.Len() > 0 {
			next.attrs = append(next.attrs, b.String()[1:])
		}
	}
	return &next
}

func (h *busHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// appendAttr writes " key=value" to b, flattening groups.
func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) || omitKeys[a.Key] {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, p, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix + a.Key)
	b.WriteByte('=')
	b.WriteString(quoteIfNeeded(a.Value.String()))
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
