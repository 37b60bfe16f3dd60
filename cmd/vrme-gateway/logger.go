// ABOUTME: slog setup for the CLI: JSON output or a colorized terminal handler
// ABOUTME: The color handler leads with component, session and listener so per-session lines line up

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/vrme/vrme-gateway/internal/config"
)

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			out:   out,
			level: level,
		}
	}

	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorHandler provides colorized terminal output with thread-safe writes.
// Lines read "15:04:05 INF [sessions] message session=... listener=... k=v".
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// field is one flattened attribute, its key qualified by enclosing groups.
type field struct {
	key   string
	value string
}

// leadKeys are pulled out of the attribute list and printed right after the
// message, in this order, so lines about one session line up when scanning.
var leadKeys = []struct {
	key   string
	label string
	paint func(format string, a ...interface{}) string
}{
	{"session_id", "session", color.GreenString},
	{"listener_id", "listener", color.BlueString},
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	// Handler-level attrs were qualified when WithAttrs was called.
	fields := make([]field, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields = flattenAttr(fields, "", a)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fields = flattenAttr(fields, prefix, a)
		return true
	})

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	if component, ok := takeField(&fields, "component"); ok {
		buf.WriteString(color.HiWhiteString("%-10s ", "["+component+"]"))
	}
	buf.WriteString(r.Message)

	for _, lead := range leadKeys {
		if v, ok := takeField(&fields, lead.key); ok {
			buf.WriteString(" " + lead.paint("%s=%s", lead.label, v))
		}
	}
	for _, f := range fields {
		buf.WriteString(color.HiBlackString(" " + f.key + "="))
		buf.WriteString(f.value)
	}
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func flattenAttr(dst []field, prefix string, a slog.Attr) []field {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = flattenAttr(dst, prefix, ga)
		}
		return dst
	}
	return append(dst, field{key: prefix + a.Key, value: a.Value.String()})
}

// takeField removes the last field named key and returns its value. The
// last one wins because record attrs follow handler attrs.
func takeField(fields *[]field, key string) (string, bool) {
	fs := *fields
	for i := len(fs) - 1; i >= 0; i-- {
		if fs[i].key == key {
			v := fs[i].value
			*fields = append(fs[:i], fs[i+1:]...)
			return v, true
		}
	}
	return "", false
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		if len(h.groups) > 0 {
			a = groupedAttr(h.groups, a)
		}
		newAttrs = append(newAttrs, a)
	}
	clone := *h
	clone.attrs = newAttrs
	return &clone
}

// groupedAttr nests a inside the given groups, outermost first.
func groupedAttr(groups []string, a slog.Attr) slog.Attr {
	for i := len(groups) - 1; i >= 0; i-- {
		a = slog.Attr{Key: groups[i], Value: slog.GroupValue(a)}
	}
	return a
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	clone := *h
	clone.groups = newGroups
	return &clone
}
