// Package api exposes the local control surface: pull queries, decisions
// and a WebSocket stream of change events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"peerdesk/authz"
	"peerdesk/discovery"
	"peerdesk/events"
	"peerdesk/ledger"
	"peerdesk/metrics"
	"peerdesk/models"
	"peerdesk/network"
	"peerdesk/storage"
)

const (
	// DefaultAddress keeps the control API on loopback.
	DefaultAddress = "127.0.0.1:7880"

	maxBodyBytes        = 64 * 1024
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Stats summarises the running host.
type Stats struct {
	DiscoveryRunning bool         `json:"discovery_running"`
	Devices          int          `json:"devices"`
	Requests         ledger.Stats `json:"requests"`
	ActiveGrants     int          `json:"active_grants"`
}

// Backend is everything the API drives.
type Backend interface {
	ListDevices() []models.DeviceRecord
	StartDiscovery(deviceName string) (discovery.StartResult, error)
	StopDiscovery() discovery.StopResult
	SendRequest(ctx context.Context, deviceID string, permissions []string, message string) (network.Response, error)

	ListPending() []models.ConnectionRequest
	GetRequest(requestID string) (models.ConnectionRequest, error)
	RequestHistory(ctx context.Context, limit int) ([]storage.RequestAudit, error)
	RequestRecord(ctx context.Context, requestID string) (storage.RequestAudit, error)
	SecurityEvents(ctx context.Context, filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error)
	Respond(ctx context.Context, decision authz.Decision) (authz.Outcome, error)

	ListActiveGrants() []models.PermissionGrant
	RevokeGrant(requestID string) (models.PermissionGrant, error)

	SessionID(ctx context.Context) (models.SessionIdentifier, error)
	RegenerateSessionID(ctx context.Context) (models.SessionIdentifier, error)

	Stats() Stats
}

// Config wires the API server.
type Config struct {
	Address string
	Backend Backend
	Events  *events.Bus
	Logger  *slog.Logger
}

// Server serves the control API.
type Server struct {
	backend Backend
	events  *events.Bus
	log     *slog.Logger
	mux     *http.ServeMux

	httpServer *http.Server
	listener   net.Listener
}

// New builds the API handler tree. Call Start to serve it.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("api: backend is required")
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		backend: cfg.Backend,
		events:  cfg.Events,
		log:     cfg.Logger.With("component", "api"),
		mux:     http.NewServeMux(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/discovery/start", s.handleStartDiscovery)
	s.mux.HandleFunc("POST /api/discovery/stop", s.handleStopDiscovery)
	s.mux.HandleFunc("POST /api/devices/{id}/connect", s.handleConnect)

	s.mux.HandleFunc("GET /api/requests/pending", s.handleListPending)
	s.mux.HandleFunc("GET /api/requests/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/requests/history/{id}", s.handleRequestRecord)
	s.mux.HandleFunc("GET /api/requests/{id}", s.handleGetRequest)
	s.mux.HandleFunc("POST /api/requests/{id}/respond", s.handleRespond)

	s.mux.HandleFunc("GET /api/grants", s.handleListGrants)
	s.mux.HandleFunc("POST /api/grants/{id}/revoke", s.handleRevoke)

	s.mux.HandleFunc("GET /api/session-id", s.handleSessionID)
	s.mux.HandleFunc("POST /api/session-id/regenerate", s.handleRegenerateSessionID)

	s.mux.HandleFunc("GET /api/security-events", s.handleSecurityEvents)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.Handle("GET "+metrics.DefaultPath, metrics.Handler())
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", s.httpServer.Addr, err)
	}
	s.listener = listener
	s.log.Info("Control API listening", slog.String("address", listener.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Control API stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts the server down gracefully.
func (s *Server) Close(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.ListDevices())
}

type startDiscoveryBody struct {
	DeviceName string `json:"device_name"`
}

func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	var body startDiscoveryBody
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	result, err := s.backend.StartDiscovery(body.DeviceName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
}

func (s *Server) handleStopDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"result": string(s.backend.StopDiscovery())})
}

type connectBody struct {
	Permissions []string `json:"permissions"`
	Message     string   `json:"message"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body connectBody
	if !decodeBody(w, r, &body) {
		return
	}
	if _, err := models.ParsePermissions(body.Permissions); err != nil {
		s.writeError(w, err)
		return
	}

	response, err := s.backend.SendRequest(r.Context(), r.PathValue("id"), body.Permissions, body.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.ListPending())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	history, err := s.backend.RequestHistory(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleRequestRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.backend.RequestRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type securityEventBody struct {
	ID        int64             `json:"id"`
	EventType string            `json:"event_type"`
	DeviceID  *string           `json:"device_id,omitempty"`
	RemoteIP  *string           `json:"remote_ip,omitempty"`
	Details   map[string]string `json:"details"`
	Severity  string            `json:"severity"`
	Timestamp int64             `json:"timestamp"`
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	recorded, err := s.backend.SecurityEvents(r.Context(), storage.SecurityEventFilter{
		EventType: query.Get("type"),
		RemoteIP:  query.Get("remote"),
		Limit:     limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]securityEventBody, 0, len(recorded))
	for _, event := range recorded {
		out = append(out, securityEventBody(event))
	}
	writeJSON(w, http.StatusOK, out)
}

// queryLimit reads ?limit=, clamped to maxHistoryLimit.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			writeErrorBody(w, http.StatusBadRequest, "limit must be a positive integer", KindInvalidRequest)
			return 0, false
		}
	}
	return min(limit, maxHistoryLimit), true
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	request, err := s.backend.GetRequest(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

type respondBody struct {
	Accepted bool `json:"accepted"`
	// GrantedPermissions absent means every requested permission.
	GrantedPermissions     []string `json:"granted_permissions"`
	SessionDurationMinutes int      `json:"session_duration_minutes"`
	DenialReason           string   `json:"denial_reason"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if !decodeBody(w, r, &body) {
		return
	}

	outcome, err := s.backend.Respond(r.Context(), authz.Decision{
		RequestID:          r.PathValue("id"),
		Accepted:           body.Accepted,
		GrantedPermissions: body.GrantedPermissions,
		SessionDuration:    time.Duration(body.SessionDurationMinutes) * time.Minute,
		DenialReason:       body.DenialReason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.ListActiveGrants())
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	grant, err := s.backend.RevokeGrant(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleSessionID(w http.ResponseWriter, r *http.Request) {
	id, err := s.backend.SessionID(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": string(id)})
}

func (s *Server) handleRegenerateSessionID(w http.ResponseWriter, r *http.Request) {
	id, err := s.backend.RegenerateSessionID(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": string(id)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Stats())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", slog.String("error", err.Error()))
	}
	writeErrorBody(w, status, err.Error(), ErrorKind(err))
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeErrorBody(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, errorBody{Error: message, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid request body: "+err.Error(), KindInvalidRequest)
		return false
	}
	return true
}

func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, dst)
}
