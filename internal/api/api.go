package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/internal/controllers/policycontroller"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
	"github.com/thatsimonsguy/hvac-policy/internal/modes"
)

const (
	defaultCommandLimit = 50
	maxCommandLimit     = 500
)

// Policy is the part of the policy controller exposed over HTTP.
type Policy interface {
	RunCycle(ctx context.Context) (policycontroller.Status, error)
	Status() policycontroller.Status
	Overrides(ctx context.Context) ([]model.OverrideRecord, error)
	ClearOverride(ctx context.Context, key model.DeviceKey) (bool, error)
	ManualAction(ctx context.Context, room string, action model.Action) (policycontroller.ManualResult, error)
	Modes() modes.State
	SetModes(ctx context.Context, st modes.State) (modes.State, error)
	PolicyEnabled(ctx context.Context) (bool, error)
	SetPolicyEnabled(ctx context.Context, enabled bool) error
	Commands(ctx context.Context, limit int) ([]model.CommandRecord, error)
}

type Server struct {
	policy Policy
	router *mux.Router
}

type ActionRequest struct {
	Action string `json:"action"`
}

type PolicyFlag struct {
	Enabled bool `json:"enabled"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(p Policy) *Server {
	s := &Server{policy: p, router: mux.NewRouter()}

	r := s.router.PathPrefix("/api").Subrouter()
	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/cycle", s.runCycle).Methods(http.MethodPost)
	r.HandleFunc("/overrides", s.getOverrides).Methods(http.MethodGet)
	r.HandleFunc("/overrides/{family}/{device}", s.clearOverride).Methods(http.MethodDelete)
	r.HandleFunc("/rooms/{room}/action", s.roomAction).Methods(http.MethodPost)
	r.HandleFunc("/modes", s.getModes).Methods(http.MethodGet)
	r.HandleFunc("/modes", s.setModes).Methods(http.MethodPut)
	r.HandleFunc("/policy", s.getPolicy).Methods(http.MethodGet)
	r.HandleFunc("/policy", s.setPolicy).Methods(http.MethodPut)
	r.HandleFunc("/commands", s.getCommands).Methods(http.MethodGet)
	return s
}

// Handler wraps the routes with CORS and request logging.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	return handlers.LoggingHandler(log.Logger, cors(s.router))
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API server shutdown")
		}
	}()

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.policy.Status()
	if room := r.URL.Query().Get("room"); room != "" {
		for _, rs := range st.Rooms {
			if rs.Room == room {
				s.writeJSON(w, http.StatusOK, rs)
				return
			}
		}
		s.writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	st, err := s.policy.RunCycle(r.Context())
	if errors.Is(err, policycontroller.ErrCycleRunning) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Cycle requested via API failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) getOverrides(w http.ResponseWriter, r *http.Request) {
	active, err := s.policy.Overrides(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if active == nil {
		active = []model.OverrideRecord{}
	}
	s.writeJSON(w, http.StatusOK, active)
}

func (s *Server) clearOverride(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	family, err := model.ParseFamily(vars["family"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := model.DeviceKey{Family: family, Name: vars["device"]}

	cleared, err := s.policy.ClearOverride(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cleared {
		s.writeError(w, http.StatusNotFound, "No active override for "+key.String())
		return
	}
	log.Info().Str("device", key.String()).Msg("Override cleared via API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) roomAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	action, err := model.ParseAction(req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid action. Valid actions: on, off, resume")
		return
	}

	room := mux.Vars(r)["room"]
	res, err := s.policy.ManualAction(r.Context(), room, action)
	if err != nil {
		log.Warn().Err(err).Str("room", room).Str("action", string(action)).Msg("Manual action failed")
		s.writeError(w, actionStatus(err), err.Error())
		return
	}
	log.Info().Str("room", room).Str("action", string(action)).Int("commands", len(res.Commands)).Msg("Manual action via API")
	s.writeJSON(w, http.StatusOK, res)
}

func actionStatus(err error) int {
	switch {
	case errors.Is(err, policycontroller.ErrUnknownRoom):
		return http.StatusNotFound
	case errors.Is(err, policycontroller.ErrProtected):
		return http.StatusConflict
	case errors.Is(err, policycontroller.ErrNoDevice), errors.Is(err, model.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrAuthentication), errors.Is(err, gateway.ErrTransient):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) getModes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.policy.Modes())
}

func (s *Server) setModes(w http.ResponseWriter, r *http.Request) {
	var req modes.State
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	st, err := s.policy.SetModes(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update modes")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.policy.PolicyEnabled(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, PolicyFlag{Enabled: enabled})
}

func (s *Server) setPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyFlag
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if err := s.policy.SetPolicyEnabled(r.Context(), req.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) getCommands(w http.ResponseWriter, r *http.Request) {
	limit := defaultCommandLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxCommandLimit {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxCommandLimit))
			return
		}
		limit = n
	}
	cmds, err := s.policy.Commands(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cmds == nil {
		cmds = []model.CommandRecord{}
	}
	s.writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
