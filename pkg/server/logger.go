package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LogWriter stores job log records.
type LogWriter interface {
	InsertLog(ctx context.Context, jobID uuid.UUID, ts time.Time, level, message string, metadata []byte) error
}

// DBLogHandler is a slog.Handler that forwards every record to next and
// writes the records of a research job to the research_logs table. The job
// is taken from the top-level job_id attribute, bound with With or passed
// on the record; records without a valid job_id are only forwarded.
type DBLogHandler struct {
	writer LogWriter
	level  slog.Leveler
	next   slog.Handler
	jobID  uuid.UUID
	attrs  []slog.Attr
	group  string
}

// NewDBLogHandler creates the handler. next may be nil.
func NewDBLogHandler(writer LogWriter, level slog.Leveler, next slog.Handler) *DBLogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &DBLogHandler{writer: writer, level: level, next: next}
}

func (h *DBLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.level.Level() {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *DBLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		_ = h.next.Handle(ctx, r)
	}
	if r.Level < h.level.Level() {
		return nil
	}

	jobID := h.jobID
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == jobIDKey && h.group == "" {
			if id, ok := parseJobID(a.Value); ok {
				jobID = id
			}
			return true
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		v := a.Value.Resolve().Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs[key] = v
		return true
	})
	if jobID == uuid.Nil {
		return nil
	}
	delete(attrs, jobIDKey)

	metaJSON, err := json.Marshal(attrs)
	if err != nil {
		metaJSON = []byte("{}")
	}

	// Records outlive a cancelled job context.
	return h.writer.InsertLog(context.WithoutCancel(ctx), jobID, r.Time, r.Level.String(), r.Message, metaJSON)
}

const jobIDKey = "job_id"

func parseJobID(v slog.Value) (uuid.UUID, bool) {
	v = v.Resolve()
	if v.Kind() == slog.KindAny {
		if id, ok := v.Any().(uuid.UUID); ok {
			return id, true
		}
	}
	id, err := uuid.Parse(v.String())
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == jobIDKey && h.group == "" {
			if id, ok := parseJobID(a.Value); ok {
				clone.jobID = id
			}
			continue
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if h.group != "" {
		clone.group = h.group + "." + name
	} else {
		clone.group = name
	}
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}
