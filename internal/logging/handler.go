package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Context keys set by WithProcess, WithTask and WithComputer.
const (
	KeyPID      = "pid"
	KeyTask     = "task"
	KeyComputer = "computer"
)

// contextKeys is the order context attributes are rendered in.
var contextKeys = []string{KeyPID, KeyTask, KeyComputer}

func isContextKey(key string) bool {
	return slices.Contains(contextKeys, key)
}

// SanitizingHandler redacts credentials from messages, string attributes
// and logged errors before passing records on. Context attributes are
// identifiers and pass through untouched.
type SanitizingHandler struct {
	handler   slog.Handler
	sanitizer *Sanitizer
}

// NewSanitizingHandler wraps handler.
func NewSanitizingHandler(handler slog.Handler, sanitizer *Sanitizer) *SanitizingHandler {
	return &SanitizingHandler{
		handler:   handler,
		sanitizer: sanitizer,
	}
}

// Enabled implements slog.Handler.
func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.sanitizer.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.sanitizeAttr(a))
		return true
	})
	return h.handler.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		sanitized[i] = h.sanitizeAttr(a)
	}
	return &SanitizingHandler{
		handler:   h.handler.WithAttrs(sanitized),
		sanitizer: h.sanitizer,
	}
}

// WithGroup implements slog.Handler.
func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{
		handler:   h.handler.WithGroup(name),
		sanitizer: h.sanitizer,
	}
}

func (h *SanitizingHandler) sanitizeAttr(a slog.Attr) slog.Attr {
	if isContextKey(a.Key) {
		return a
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.sanitizer.Sanitize(v.String()))
	case slog.KindAny:
		// Dial and driver errors often embed the DSN they failed on.
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.sanitizer.Sanitize(err.Error()))
		}
		return a
	case slog.KindGroup:
		attrs := v.Group()
		sanitized := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			sanitized[i] = h.sanitizeAttr(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(sanitized...)}
	default:
		return a
	}
}

// PrettyHandler writes colorized lines for a terminal. Process, task and
// computer context is pulled to the front of the line:
//
//	12:04:05 RPT [pid=42 task=tick_work] process finished exit_status=0
type PrettyHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

// NewPrettyHandler creates a pretty handler writing to w.
func NewPrettyHandler(w io.Writer, level slog.Level) *PrettyHandler {
	return &PrettyHandler{
		mu:    &sync.Mutex{},
		w:     w,
		level: level,
	}
}

// Enabled implements slog.Handler.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	ctxVals := make(map[string]string, len(contextKeys))
	var rest strings.Builder
	collect := func(a slog.Attr, groups []string) {
		if len(groups) == 0 && isContextKey(a.Key) {
			ctxVals[a.Key] = a.Value.Resolve().String()
			return
		}
		h.writeAttr(&rest, a, groups)
	}
	for _, a := range h.attrs {
		collect(a, nil)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a, h.groups)
		return true
	})

	var line strings.Builder
	line.WriteString(r.Time.Format("15:04:05"))
	line.WriteByte(' ')
	line.WriteString(formatLevel(r.Level))
	if prefix := contextPrefix(ctxVals); prefix != "" {
		line.WriteByte(' ')
		line.WriteString(prefix)
	}
	line.WriteByte(' ')
	line.WriteString(r.Message)
	line.WriteString(rest.String())
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line.String())
	return err
}

// WithAttrs implements slog.Handler. Attributes added inside a group are
// stored with their group path so context keys stay top-level only.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		if len(h.groups) > 0 {
			a = slog.Attr{Key: strings.Join(h.groups, ".") + "." + a.Key, Value: a.Value}
		}
		nh.attrs = append(nh.attrs, a)
	}
	return nh
}

// WithGroup implements slog.Handler.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		mu:     h.mu,
		w:      h.w,
		level:  h.level,
		attrs:  slices.Clone(h.attrs),
		groups: slices.Clone(h.groups),
	}
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func formatLevel(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return colorGray + "DBG" + colorReset
	case slog.LevelInfo:
		return colorBlue + "INF" + colorReset
	case LevelReport:
		return colorGreen + "RPT" + colorReset
	case slog.LevelWarn:
		return colorYellow + "WRN" + colorReset
	case slog.LevelError:
		return colorRed + "ERR" + colorReset
	default:
		return level.String()
	}
}

func contextPrefix(vals map[string]string) string {
	var parts []string
	for _, key := range contextKeys {
		if v, ok := vals[key]; ok {
			parts = append(parts, key+"="+v)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return colorBold + "[" + strings.Join(parts, " ") + "]" + colorReset
}

func (h *PrettyHandler) writeAttr(b *strings.Builder, a slog.Attr, groups []string) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(slices.Clone(groups), a.Key)
		}
		for _, attr := range v.Group() {
			h.writeAttr(b, attr, sub)
		}
		return
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	fmt.Fprintf(b, " %s%s%s=%v", colorCyan, key, colorReset, v.Any())
}
