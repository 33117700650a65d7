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
	CategoryValidation = "validation"
	CategoryStore      = "store"
	CategoryNetwork    = "network"
	CategorySystem     = "system"
)

// Codes surfaced to callers. Validation codes are business-rule rejections the
// caller is expected to branch on; store and network codes wrap a cause.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidData       = "INVALID_DATA"
	CodeInvalidFSM        = "INVALID_FSM"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeStoreFailed       = "STORE_FAILED"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeSinkFailed        = "SINK_FAILED"
	CodeInternal          = "internal"
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface and unwraps to its underlying cause.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`

	cause error
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

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, cause error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512), cause: cause}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	return ce
}

// From converts any error into a compact Error. If err already is (or wraps) an *Error, that is returned.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Category: CategorySystem, Code: CodeInternal, Message: truncate(err.Error(), 512), cause: err}
}

// Validation builds a validation-category error.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx, nil)
}

// Store wraps a failed store interaction. The message carries the cause so
// callers see what went wrong without unwrapping.
func Store(cause error, ctx map[string]any) *Error {
	msg := "store operation failed"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return New(CategoryStore, CodeStoreFailed, msg, ctx, cause)
}

// Unavailable reports a store that could not be reached at all.
func Unavailable(cause error, ctx map[string]any) *Error {
	msg := "Failed to connect to store"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return New(CategoryStore, CodeStoreUnavailable, msg, ctx, cause)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategorySystem, code, message, ctx, cause)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case "not_found":
			return http.StatusNotFound
		case "method_not_allowed":
			return http.StatusMethodNotAllowed
		default:
			return http.StatusBadRequest
		}
	case CategoryStore:
		if e.Code == CodeStoreUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case CategoryNetwork:
		return http.StatusBadGateway
	case CategorySystem:
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
		ce = &Error{Category: CategorySystem, Code: CodeInternal, Message: "unknown error"}
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

// IsCode checks if err carries a specific code.
func IsCode(err error, code string) bool {
	ce := From(err)
	return ce != nil && ce.Code == code
}
