package admission

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bobarin/cenaflow/internal/httplog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Server exposes Lanes over the coordinator REST contract.
type Server struct {
	lanes    Lanes
	logger   zerolog.Logger
	validate *validator.Validate
}

func NewServer(lanes Lanes, logger zerolog.Logger) *Server {
	return &Server{
		lanes:    lanes,
		logger:   logger.With().Str("component", "admission_server").Logger(),
		validate: validator.New(),
	}
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(httplog.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Post("/enqueue", s.enqueue)
	r.Get("/status/{requestId}", s.status)
	r.Post("/confirmar", s.confirm)

	return r
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (Request, bool) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Corpo da requisição inválido")
		return req, false
	}
	if err := s.validate.Struct(req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "requestId e lane são obrigatórios")
		return req, false
	}
	return req, true
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}

	pos, err := s.lanes.Enqueue(r.Context(), req.Lane, req.RequestID)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", req.RequestID).Str("lane", req.Lane).Msg("Enqueue failed")
		writeDetail(w, http.StatusServiceUnavailable, "Fila indisponível")
		return
	}

	s.logger.Info().Str("request_id", req.RequestID).Str("lane", req.Lane).Int("position", pos).Msg("Request enqueued")
	writeJSON(w, http.StatusOK, EnqueueResponse{Position: pos})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	lane := r.URL.Query().Get("lane")
	if err := s.validate.Struct(Request{RequestID: requestID, Lane: lane}); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "requestId e lane são obrigatórios")
		return
	}

	st, err := s.lanes.Status(r.Context(), lane, requestID)
	if errors.Is(err, ErrNotRegistered) {
		writeDetail(w, http.StatusNotFound, "Requisição não encontrada na fila")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Str("lane", lane).Msg("Status failed")
		writeDetail(w, http.StatusServiceUnavailable, "Fila indisponível")
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}

	if err := s.lanes.Confirm(r.Context(), req.Lane, req.RequestID); err != nil {
		s.logger.Error().Err(err).Str("request_id", req.RequestID).Str("lane", req.Lane).Msg("Confirm failed")
		writeDetail(w, http.StatusServiceUnavailable, "Fila indisponível")
		return
	}

	s.logger.Info().Str("request_id", req.RequestID).Str("lane", req.Lane).Msg("Slot released")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RunReaper drops abandoned registrations every interval until ctx is done.
func RunReaper(ctx context.Context, lanes Lanes, interval time.Duration, policy ReapPolicy, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := lanes.Reap(ctx, policy)
			if err != nil {
				logger.Error().Err(err).Msg("Reap failed")
				continue
			}
			if n > 0 {
				logger.Warn().Int("reaped", n).Msg("Dropped abandoned admission requests")
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
