package logger

import (
	"context"
	"log/slog"
)

// Masker replaces secret values in text.
type Masker interface {
	Mask(text string) string
	MaskValue(v any) any
}

// MaskingHandler rewrites the message and every attribute value of a record
// through a Masker before handing it on.
type MaskingHandler struct {
	next   slog.Handler
	masker Masker
}

func NewMaskingHandler(next slog.Handler, m Masker) *MaskingHandler {
	return &MaskingHandler{next: next, masker: m}
}

func (h *MaskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *MaskingHandler) Handle(ctx context.Context, record slog.Record) error {
	masked := slog.NewRecord(record.Time, record.Level, h.masker.Mask(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(h.maskAttr(a))
		return true
	})
	return h.next.Handle(ctx, masked)
}

func (h *MaskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = h.maskAttr(a)
	}
	return NewMaskingHandler(h.next.WithAttrs(out), h.masker)
}

func (h *MaskingHandler) WithGroup(name string) slog.Handler {
	return NewMaskingHandler(h.next.WithGroup(name), h.masker)
}

func (h *MaskingHandler) maskAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.masker.Mask(v.String()))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, ga := range group {
			out[i] = h.maskAttr(ga)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.masker.Mask(err.Error()))
		}
		return slog.Any(a.Key, h.masker.MaskValue(v.Any()))
	default:
		return a
	}
}
