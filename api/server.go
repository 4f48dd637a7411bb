package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adya9/web-whisper/config"
	"github.com/adya9/web-whisper/embeddings"
	"github.com/adya9/web-whisper/index"
	"github.com/adya9/web-whisper/ingestion"
	"github.com/adya9/web-whisper/metrics"
	"github.com/adya9/web-whisper/query"
	"github.com/adya9/web-whisper/retrieval"
)

// Server exposes the retrieval subsystem over HTTP: ask for the chat
// front-end, ingest for the crawler, sources for operators. Services are
// injected once at startup and reused across requests.
type Server struct {
	cfg       config.Config
	logger    *logrus.Logger
	retriever *retrieval.Service
	ingestor  *ingestion.Service
	idx       index.Index
	handler   http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type askRequest struct {
	Message string `json:"message"`
}

type askResponse struct {
	Answer   string      `json:"answer"`
	Fallback bool        `json:"fallback,omitempty"`
	Sources  []askSource `json:"sources"`
}

type askSource struct {
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
	Snippet    string  `json:"snippet,omitempty"`
}

type ingestRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ContentType string `json:"contentType"`
	Text        string `json:"text"`
	// Data carries raw bytes (base64 in JSON) for binary payloads such as PDF.
	Data []byte `json:"data"`
}

type sourceInfo struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Chunks      int       `json:"chunks"`
	CrawledAt   time.Time `json:"crawledAt"`
}

type sourcesResponse struct {
	Sources []sourceInfo `json:"sources"`
}

type healthResponse struct {
	Status  string `json:"status"`
	HasData bool   `json:"hasData"`
	Chunks  int64  `json:"chunks"`
}

// New constructs a Server around already wired services.
func New(cfg config.Config, retriever *retrieval.Service, ingestor *ingestion.Service, idx index.Index, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		retriever: retriever,
		ingestor:  ingestor,
		idx:       idx,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/ask", s.withTimeout(s.handleAsk))
	mux.HandleFunc("/v1/ingest", s.withTimeout(s.handleIngest))
	mux.HandleFunc("/v1/sources", s.withTimeout(s.handleSources))
	return mux
}

func (s *Server) withTimeout(next http.HandlerFunc) http.HandlerFunc {
	timeout := s.cfg.Server.RequestTimeout
	if timeout <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	resp := healthResponse{Status: "ok"}
	health, err := s.idx.Health(r.Context())
	if err != nil {
		// An unreachable index degrades the probe, it never fails liveness.
		s.logger.WithError(err).Warn("index health probe failed")
	} else {
		resp.HasData = health.HasData
		resp.Chunks = health.Chunks
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	_, _ = w.Write(openAPISpecYAML)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	resp, err := s.retriever.Ask(r.Context(), req.Message)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, retrieval.ErrEmptyMessage) || errors.Is(err, query.ErrTooShort) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toAskResponse(resp))
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	stats, err := s.ingestor.Ingest(r.Context(), ingestion.Page{
		URL:         req.URL,
		Title:       req.Title,
		Description: req.Description,
		ContentType: req.ContentType,
		Text:        req.Text,
		Data:        req.Data,
	})
	if err != nil {
		s.writeIngestError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSources(w, r)
	case http.MethodDelete:
		s.deleteSource(w, r)
	default:
		s.methodNotAllowed(w, "GET, DELETE")
	}
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.ingestor.Sources(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("list sources: %w", err))
		return
	}

	resp := sourcesResponse{Sources: make([]sourceInfo, len(sources))}
	for i, src := range sources {
		resp.Sources[i] = sourceInfo{
			URL:         src.URL,
			Title:       src.Title,
			Description: src.Description,
			Chunks:      src.Chunks,
			CrawledAt:   src.CrawledAt,
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("url query parameter is required"))
		return
	}

	if err := s.ingestor.Delete(r.Context(), url); err != nil {
		s.writeIngestError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "source removed"})
}

// writeIngestError maps the ingestion error taxonomy onto HTTP statuses:
// invalid pages are the caller's fault, unavailable dependencies are
// temporary, everything else is a plain server error.
func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingestion.ErrInvalidPage):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, embeddings.ErrUnavailable), errors.Is(err, index.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.WithField("status", status).WithError(err).Warn("api error")
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func toAskResponse(resp retrieval.Response) askResponse {
	converted := askResponse{
		Answer:   resp.Answer,
		Fallback: resp.Fallback,
		Sources:  make([]askSource, len(resp.Sources)),
	}
	for i, src := range resp.Sources {
		converted.Sources[i] = askSource{
			URL:        src.URL,
			Title:      src.Title,
			Similarity: src.Similarity,
			Snippet:    src.Snippet,
		}
	}
	return converted
}
