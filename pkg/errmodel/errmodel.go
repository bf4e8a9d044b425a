// Package errmodel defines the compact error payload used across the
// persistence core and its HTTP surface. Every failure a caller can
// observe carries a category from the fixed taxonomy below.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	// CategoryStorage marks failures to open or create the backing
	// engine (disabled, quota exhausted, unsupported environment).
	CategoryStorage = "storage"
	// CategoryValidation marks values rejected by a validation
	// predicate before a write.
	CategoryValidation = "validation"
	// CategoryBatch marks transaction failures during batch commits.
	CategoryBatch = "batch"
	// CategoryNotFound marks mutations targeting a missing record.
	CategoryNotFound = "not_found"
	// CategoryPersistence marks generic backing-engine failures on
	// individual operations after a successful open.
	CategoryPersistence = "persistence"
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to persistence/internal for unknown error types.
	return &Error{Category: CategoryPersistence, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors.

// StorageUnavailable reports a backing engine that could not be opened.
func StorageUnavailable(message string, cause error) *Error {
	if cause != nil {
		return New(CategoryStorage, "storage_unavailable", message, nil, cause)
	}
	return New(CategoryStorage, "storage_unavailable", message, nil)
}

// Validation reports a value rejected before a write.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

// BatchWrite reports a failed batch transaction.
func BatchWrite(message string, cause error) *Error {
	if cause != nil {
		return New(CategoryBatch, "batch_write", message, nil, cause)
	}
	return New(CategoryBatch, "batch_write", message, nil)
}

// NotFound reports a mutation against a record id that does not exist.
func NotFound(message string, ctx map[string]any) *Error {
	return New(CategoryNotFound, "not_found", message, ctx)
}

// Persistence reports a backing-engine failure on a single operation.
func Persistence(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryPersistence, code, message, ctx, cause)
	}
	return New(CategoryPersistence, code, message, ctx)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryStorage:
		return http.StatusServiceUnavailable
	case CategoryBatch, CategoryPersistence:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategoryPersistence, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				s := string(b)
				if len(s) > 256 {
					s = truncate(s, 256)
				}
				out[k] = s
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}
