// Package logging provides utilities for structured logging across the system.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger
//   - Logger scoping happens once at construction time
//   - slog.With() is used to attach default attributes
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in main().
// Components must never call slog.SetDefault or access global loggers.
//
// Logging is intentionally sparse:
//   - No logging inside tight loops (tokenization, scanning, indexing inner loops)
//   - Lifecycle boundaries are the intended log points
package logging

import (
	"context"
	"log/slog"
	"sync"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise returns a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// levelTable holds per-component minimum levels behind a mutex, shared by a
// ComponentFilterHandler and every clone WithAttrs/WithGroup produces, so a
// SetLevel call takes effect no matter which scoped logger it was reached
// through.
type levelTable struct {
	mu     sync.Mutex
	levels map[string]slog.Level
}

func (t *levelTable) get(component string) (slog.Level, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.levels[component]
	return l, ok
}

func (t *levelTable) set(component string, level slog.Level) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.levels == nil {
		t.levels = make(map[string]slog.Level)
	}
	t.levels[component] = level
}

func (t *levelTable) clear(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.levels, component)
}

// ComponentFilterHandler lets an operator raise or lower the effective log
// level for a single component at runtime (e.g. to debug one engine
// instance) without touching every other component's verbosity. It wraps
// another slog.Handler and decides, per record, whether to forward it.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level
	levels       *levelTable
	preAttrs     []slog.Attr
}

// NewComponentFilterHandler wraps next, applying defaultLevel to any
// component that hasn't been given an explicit level via SetLevel.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:         next,
		defaultLevel: defaultLevel,
		levels:       &levelTable{},
	}
}

// SetLevel overrides the minimum level for component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.set(component, level)
}

// ClearLevel removes any override for component, reverting it to
// DefaultLevel.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.clear(component)
}

// Level returns the effective minimum level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	if l, ok := h.levels.get(component); ok {
		return l
	}
	return h.defaultLevel
}

// DefaultLevel returns the level applied to components with no override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}

// Enabled always reports true: a record's component is only known once its
// attributes are visible, so the level decision is made in Handle instead.
func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle drops the record if its level is below the effective level for its
// component, otherwise forwards it to the wrapped handler.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.Level(h.component(r)) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) component(r slog.Record) string {
	var comp string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false
		}
		return true
	})
	if comp != "" {
		return comp
	}
	for _, a := range h.preAttrs {
		if a.Key == "component" {
			return a.Value.String()
		}
	}
	return ""
}

// WithAttrs returns a handler carrying attrs, sharing this handler's level
// table so SetLevel calls remain effective across every scoped clone.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.preAttrs)+len(attrs))
	copy(merged, h.preAttrs)
	copy(merged[len(h.preAttrs):], attrs)
	return &ComponentFilterHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		levels:       h.levels,
		preAttrs:     merged,
	}
}

// WithGroup returns a handler scoped to name, sharing this handler's level
// table.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	return &ComponentFilterHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		levels:       h.levels,
		preAttrs:     h.preAttrs,
	}
}
