package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Tag prefixes every kernel log record.
const Tag = "magiskinit"

// KmsgHandler formats records as single kernel log lines:
//
//	<6>magiskinit: [overlay] mirrored root entries=12
//
// The kernel treats each write to /dev/kmsg as one record, so a line is
// always emitted with exactly one Write call.
type KmsgHandler struct {
	mu       *sync.Mutex
	w        io.Writer
	level    slog.Leveler
	preAttrs []slog.Attr
	group    string
}

// NewKmsgHandler creates a handler writing to w at or above level.
func NewKmsgHandler(w io.Writer, level slog.Leveler) *KmsgHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &KmsgHandler{
		mu:    &sync.Mutex{},
		w:     w,
		level: level,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *KmsgHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle writes one record.
func (h *KmsgHandler) Handle(_ context.Context, r slog.Record) error {
	var phase string
	var attrs []string
	collect := func(key string, v slog.Value) {
		if key == "phase" {
			phase = v.String()
			return
		}
		attrs = append(attrs, fmt.Sprintf("%s=%v", key, v))
	}
	// preAttrs already carry the group they were added under.
	for _, a := range h.preAttrs {
		collect(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(h.qualify(a.Key), a.Value)
		return true
	})

	var b strings.Builder
	fmt.Fprintf(&b, "<%d>%s: ", priority(r.Level), Tag)
	if phase != "" {
		fmt.Fprintf(&b, "[%s] ", phase)
	}
	b.WriteString(r.Message)
	for _, attr := range attrs {
		b.WriteByte(' ')
		b.WriteString(attr)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs returns a new handler with the given attributes.
func (h *KmsgHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	for _, a := range attrs {
		newPreAttrs = append(newPreAttrs, slog.Attr{Key: h.qualify(a.Key), Value: a.Value})
	}

	return &KmsgHandler{
		mu:       h.mu,
		w:        h.w,
		level:    h.level,
		preAttrs: newPreAttrs,
		group:    h.group,
	}
}

// WithGroup returns a new handler with the given group name.
// Groups only prefix attribute keys; kmsg lines stay flat.
func (h *KmsgHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &KmsgHandler{
		mu:       h.mu,
		w:        h.w,
		level:    h.level,
		preAttrs: h.preAttrs,
		group:    group,
	}
}

func (h *KmsgHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// priority maps slog levels onto syslog priorities understood by kmsg.
func priority(l slog.Level) int {
	switch {
	case l >= slog.LevelError:
		return 3
	case l >= slog.LevelWarn:
		return 4
	case l >= slog.LevelInfo:
		return 6
	default:
		return 7
	}
}
