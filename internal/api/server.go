package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/export"
	"crosspost/internal/metrics"
	"crosspost/internal/models"
	"crosspost/internal/service"

	"github.com/rs/zerolog"
)

// Server exposes the submission surface over HTTP. All execution stays in
// the orchestrator; every handler here only records or reads state.
type Server struct {
	cfg      config.APIConfig
	svc      *service.Syndication
	reporter *export.Reporter
	server   *http.Server
	auth     *Auth
	logger   zerolog.Logger
}

func NewServer(cfg config.APIConfig, svc *service.Syndication, reporter *export.Reporter, logger *zerolog.Logger) *Server {
	mux := http.NewServeMux()
	srv := &Server{
		cfg:      cfg,
		svc:      svc,
		reporter: reporter,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	srv.auth = NewAuth(cfg)

	mux.HandleFunc("/api/v1/ads", srv.handleCreateAd)
	mux.HandleFunc("/api/v1/ads/", srv.handleAds)
	mux.HandleFunc("/api/v1/jobs/", srv.handleJobStatus)
	mux.HandleFunc("/api/v1/accounts", srv.handleSaveAccount)
	mux.HandleFunc("/api/v1/accounts/test", srv.handleTestConnection)
	mux.HandleFunc("/api/v1/accounts/clear-trip", srv.handleClearTrip)
	mux.HandleFunc("/api/v1/stats", srv.handleStats)
	mux.HandleFunc("/api/v1/reports/export", srv.handleExportReport)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleCreateAd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ad models.Ad
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&ad); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.svc.CreateAd(r.Context(), &ad); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, ad)
}

// handleAds dispatches /api/v1/ads/{id}/{action}.
func (s *Server) handleAds(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/ads/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	adID, action, _ := strings.Cut(rest, "/")
	adID = strings.TrimSpace(adID)
	if adID == "" {
		writeError(w, http.StatusBadRequest, "ad id is required")
		return
	}

	switch action {
	case "syndicate":
		s.handleSyndicate(w, r, adID)
	case "close":
		s.handleClose(w, r, adID)
	case "delist":
		s.handleDelist(w, r, adID)
	case "postings":
		s.handlePostings(w, r, adID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleSyndicate(w http.ResponseWriter, r *http.Request, adID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Platforms []string `json:"platforms"`
	}
	if r.URL.Query().Get("platforms") != "" {
		body.Platforms = splitCSV(r.URL.Query().Get("platforms"))
	} else if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	refs, err := s.svc.EnqueuePost(r.Context(), adID, body.Platforms)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": refs})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, adID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.svc.CloseAd(r.Context(), adID, body.Status); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": body.Status})
}

func (s *Server) handleDelist(w http.ResponseWriter, r *http.Request, adID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Platforms []string `json:"platforms"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	refs, err := s.svc.EnqueueDelist(r.Context(), adID, body.Platforms...)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": refs})
}

func (s *Server) handlePostings(w http.ResponseWriter, r *http.Request, adID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	postings, err := s.svc.GetPostedAds(r.Context(), adID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"postings": postings})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/jobs/"
	jobID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, prefix))
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := s.svc.GetJobStatus(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSaveAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Credentials are write-only in the model, so the request carries them
	// in an explicit field.
	var body struct {
		models.PlatformAccount
		Credentials models.Credentials `json:"credentials"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	account := body.PlatformAccount
	account.Credentials = body.Credentials
	if err := s.svc.SaveAccount(r.Context(), &account); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		UserID   string `json:"user_id"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.svc.TestConnection(r.Context(), body.UserID, body.Platform)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"class":   result.Class,
		"message": result.Message,
		"ok":      result.Success(),
	})
}

func (s *Server) handleClearTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		UserID   string `json:"user_id"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.svc.ClearTrip(r.Context(), body.UserID, body.Platform); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.svc.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExportReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "exports are not configured")
		return
	}

	path, err := s.reporter.WriteReport(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// writeServiceError maps well-known service errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrAdNotFound),
		errors.Is(err, service.ErrJobNotFound),
		errors.Is(err, service.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAdClosed),
		errors.Is(err, service.ErrNoPlatforms):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.IncHTTP(endpointLabel(r.URL.Path))
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// endpointLabel collapses dynamic path segments so the metric label set
// stays bounded.
func endpointLabel(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	if rest == path {
		return "other"
	}
	head, tail, _ := strings.Cut(rest, "/")
	switch head {
	case "ads":
		if _, action, ok := strings.Cut(tail, "/"); ok && action != "" {
			return "ads/" + action
		}
		return "ads"
	case "jobs":
		return "jobs"
	case "accounts":
		if tail != "" {
			return "accounts/" + tail
		}
		return "accounts"
	case "stats":
		return "stats"
	case "reports":
		return "reports"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
