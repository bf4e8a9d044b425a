// Package server exposes the session history store over HTTP for the
// web UI: CRUD on individual sessions plus the paginated, filtered
// listing the history view renders.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/salloc/302-tts/pkg/errmodel"
	"github.com/salloc/302-tts/pkg/history"
)

// Server handles the /api/sessions surface.
type Server struct {
	store history.Store
	log   zerolog.Logger
}

// New constructs a Server over the given store.
func New(store history.Store, log zerolog.Logger) *Server {
	return &Server{store: store, log: log}
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("DELETE /api/sessions", s.handleDeleteMany)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handlePatch)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	return otelhttp.NewHandler(s.logRequests(mux), "sessions-api")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// sessionBody is the wire shape for create requests. Audio travels as
// base64 inside the JSON payload.
type sessionBody struct {
	Platform        string  `json:"platform"`
	Speaker         string  `json:"speaker"`
	Language        string  `json:"language"`
	Speed           float64 `json:"speed"`
	GenBy           string  `json:"genBy"`
	Text            string  `json:"text"`
	SpeechCloneText string  `json:"speechCloneText"`
	SpeechToText    string  `json:"speechToText"`
	Audio           []byte  `json:"audio"`
}

// patchBody carries partial updates; absent fields stay untouched.
type patchBody struct {
	Platform        *string  `json:"platform"`
	Speaker         *string  `json:"speaker"`
	Language        *string  `json:"language"`
	Speed           *float64 `json:"speed"`
	GenBy           *string  `json:"genBy"`
	Text            *string  `json:"text"`
	SpeechCloneText *string  `json:"speechCloneText"`
	SpeechToText    *string  `json:"speechToText"`
	Audio           []byte   `json:"audio"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body sessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", "invalid request body", nil))
		return
	}
	rec, err := s.store.Create(r.Context(), history.Session{
		Platform:        history.Platform(body.Platform),
		Speaker:         body.Speaker,
		Language:        body.Language,
		Speed:           body.Speed,
		GenBy:           history.GenBy(body.GenBy),
		Text:            body.Text,
		SpeechCloneText: body.SpeechCloneText,
		SpeechToText:    body.SpeechToText,
		Audio:           body.Audio,
	})
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, found, err := s.store.Get(r.Context(), id)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if !found {
		errmodel.WriteHTTP(w, r, errmodel.NotFound("session not found", map[string]any{"id": id}))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var body patchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", "invalid request body", nil))
		return
	}
	patch := history.Patch{
		Speaker:         body.Speaker,
		Language:        body.Language,
		Speed:           body.Speed,
		Text:            body.Text,
		SpeechCloneText: body.SpeechCloneText,
		SpeechToText:    body.SpeechToText,
		Audio:           body.Audio,
	}
	if body.Platform != nil {
		p := history.Platform(*body.Platform)
		patch.Platform = &p
	}
	if body.GenBy != nil {
		g := history.GenBy(*body.GenBy)
		patch.GenBy = &g
	}
	rec, err := s.store.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMany(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	// An empty or absent body means delete everything.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if len(body.IDs) > 0 {
		if err := s.store.DeleteBatch(r.Context(), body.IDs); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": len(body.IDs)})
		return
	}
	n, err := s.store.DeleteAll(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	page := intParam(qs.Get("page"), 1)
	pageSize := intParam(qs.Get("page_size"), 10)

	var q history.Query
	if v := qs.Get("platform"); v != "" {
		p := history.Platform(v)
		q.Platform = &p
	}
	if v := qs.Get("speaker"); v != "" {
		q.Speaker = &v
	}
	if v := qs.Get("language"); v != "" {
		q.Language = &v
	}
	if v := qs.Get("gen_by"); v != "" {
		g := history.GenBy(v)
		q.GenBy = &g
	}
	if v := qs.Get("text"); v != "" {
		q.Text = &v
	}

	result, err := s.store.FindPage(r.Context(), q, page, pageSize)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
