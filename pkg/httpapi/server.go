// Package httpapi serves the conversation operations as JSON over HTTP.
//
//	POST /v1/conversations/get   {"conversation_id"}
//	POST /v1/conversations/set   {"conversation_id","state","data"}
//	GET  /v1/debug?event_count=N
//	GET  /v1/events?cursor=ID
//	GET  /healthz
//
// Rejected transitions and schema failures are normal results (200 with
// ok=false). Malformed requests get the errmodel envelope with 400, and store
// failures map to 502 or 503.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/statestore/pkg/errmodel"
	"github.com/wilhg/statestore/pkg/events"
	"github.com/wilhg/statestore/pkg/statestore"
)

// RequestIDHeader carries the per-request id, echoed back on the response.
const RequestIDHeader = "X-Request-Id"

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to a statestore.Service.
type Server struct {
	svc     *statestore.Service
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// New builds the server. A nil logger uses slog.Default().
func New(svc *statestore.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger.With("component", "httpapi"), mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/conversations/get", s.handleGet)
	s.mux.HandleFunc("POST /v1/conversations/set", s.handleSet)
	s.mux.HandleFunc("GET /v1/debug", s.handleDebug)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.handler = otelhttp.NewHandler(s.withRequestID(s.mux), "statestore",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

// Handle mounts an extra handler, such as the MCP endpoint, behind the same
// middleware.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type getRequest struct {
	ConversationID string `json:"conversation_id"`
}

type setRequest struct {
	ConversationID string          `json:"conversation_id"`
	State          string          `json:"state"`
	Data           json.RawMessage `json:"data"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req getRequest
	if err := decode(w, r, &req); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	res, err := s.svc.GetConversation(r.Context(), req.ConversationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := decode(w, r, &req); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	res, err := s.svc.SetConversation(r.Context(), req.ConversationID, req.State, req.Data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	count := 0
	if v := r.URL.Query().Get("event_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errmodel.WriteHTTP(w, r, errmodel.Validation(errmodel.CodeInvalidInput,
				fmt.Sprintf("event_count must be a non-negative integer, got %q", v), nil))
			return
		}
		count = n
	}
	res, err := s.svc.DebugInspect(r.Context(), count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	page, err := s.svc.OnConversationChanged(r.Context(), r.URL.Query().Get("cursor"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []events.Item{}
	}
	writeJSON(w, page)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	ce := errmodel.From(err)
	if ce.Category != errmodel.CategoryValidation {
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "request_id", w.Header().Get(RequestIDHeader), "err", err)
	}
	errmodel.WriteHTTP(w, r, ce)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return errmodel.Validation(errmodel.CodeInvalidInput, "request body too large", nil)
		}
		return errmodel.Validation(errmodel.CodeInvalidInput, "invalid request body: "+err.Error(), nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", id,
		)
	})
}
