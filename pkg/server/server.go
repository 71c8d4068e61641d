// Package server exposes property actors over HTTP.
//
//	GET    /sync?token=...                          WebSocket sync connection, property from the token audience
//	GET    /properties/{propertyID}/sync?token=...  same, rejected when the token is for another property
//	GET    /properties/{propertyID}/rooms           all rooms (Authorization: Bearer <token>)
//	POST   /properties/{propertyID}/rooms           create a room
//	GET    /properties/{propertyID}/rooms/{roomID}  one room
//	DELETE /properties/{propertyID}/rooms/{roomID}  delete a room
//	GET    /healthz
//	GET    /metrics
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/lxzan/gws"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomsync/roomsync.go/internal/codec"
	"github.com/roomsync/roomsync.go/pkg/actor"
	"github.com/roomsync/roomsync.go/pkg/auth"
	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/models"
)

type Config struct {
	Registry *actor.Registry
	Signer   *auth.Signer
	Logger   logger.Logger
	// ShutdownTimeout bounds graceful shutdown in Run.
	ShutdownTimeout time.Duration
	// DisableMetrics removes the /metrics route.
	DisableMetrics bool
	// ReadMaxPayloadSize limits inbound WebSocket frames. Zero keeps the gws default.
	ReadMaxPayloadSize int
}

type Server struct {
	cfg      Config
	log      logger.Logger
	router   *mux.Router
	upgrader *gws.Upgrader
}

func New(cfg Config) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, log: logger.OrNop(cfg.Logger)}
	s.upgrader = gws.NewUpgrader(&handler{log: s.log}, &gws.ServerOption{
		ReadMaxPayloadSize: cfg.ReadMaxPayloadSize,
		CheckUtf8Enabled:   true,
	})

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if !cfg.DisableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.HandleFunc("/sync", s.handleSync).Methods(http.MethodGet)

	props := router.PathPrefix("/properties/{propertyID}").Subrouter()
	props.HandleFunc("/sync", s.handleSync).Methods(http.MethodGet)
	props.HandleFunc("/rooms", s.handleListRooms).Methods(http.MethodGet)
	props.HandleFunc("/rooms", s.handleCreateRoom).Methods(http.MethodPost)
	props.HandleFunc("/rooms/{roomID}", s.handleGetRoom).Methods(http.MethodGet)
	props.HandleFunc("/rooms/{roomID}", s.handleDeleteRoom).Methods(http.MethodDelete)
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	s.log.Info("sync server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		s.log.Info("shutting down sync server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"actors": len(s.cfg.Registry.Running()),
	})
}

// handleSync verifies the token before upgrading so failures get a proper
// HTTP status instead of a dropped socket.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get(constants.TokenQueryParam)
	var (
		id  auth.Identity
		err error
	)
	if propertyID, ok := mux.Vars(r)["propertyID"]; ok {
		id, err = s.cfg.Signer.Authorize(raw, propertyID)
	} else {
		id, err = s.cfg.Signer.Verify(raw)
	}
	if err != nil {
		respondErr(w, err)
		return
	}

	a, release, err := s.cfg.Registry.Acquire(r.Context(), id.PropertyID)
	if err != nil {
		s.log.Error("acquire property actor", "property", id.PropertyID, "error", err)
		respondErr(w, err)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		release()
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	connID, err := a.Attach(context.Background(), id, &wsSocket{conn: socket, log: s.log})
	if err != nil {
		release()
		socket.WriteClose(CloseInternalError, []byte(errs.UnknownMessage))
		return
	}
	socket.Session().Store(sessionKey, &session{actor: a, connID: connID, release: release})
	go socket.ReadLoop()
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (*actor.Actor, func(), bool) {
	propertyID := mux.Vars(r)["propertyID"]
	_, err := s.cfg.Signer.Authorize(bearer(r), propertyID)
	if err != nil {
		respondErr(w, err)
		return nil, nil, false
	}
	a, release, err := s.cfg.Registry.Acquire(r.Context(), propertyID)
	if err != nil {
		s.log.Error("acquire property actor", "property", propertyID, "error", err)
		respondErr(w, err)
		return nil, nil, false
	}
	return a, release, true
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	a, release, ok := s.authorize(w, r)
	if !ok {
		return
	}
	defer release()

	rooms, err := a.GetAllRooms(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	a, release, ok := s.authorize(w, r)
	if !ok {
		return
	}
	defer release()

	room, err := a.GetRoom(r.Context(), mux.Vars(r)["roomID"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, room)
}

type createRoomRequest struct {
	ID              string               `json:"id"`
	DefaultLayoutID string               `json:"defaultLayoutId"`
	LayoutName      string               `json:"layoutName"`
	Planes          []models.PlaneRecord `json:"planes"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	a, release, ok := s.authorize(w, r)
	if !ok {
		return
	}
	defer release()

	var req createRoomRequest
	if err := restCodec.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondErr(w, errs.Wrap(errs.BadRequest, err, "invalid request payload"))
		return
	}
	room, err := a.CreateRoom(r.Context(), models.RoomInit{
		ID:              req.ID,
		DefaultLayoutID: req.DefaultLayoutID,
		LayoutName:      req.LayoutName,
		Planes:          req.Planes,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, room)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	a, release, ok := s.authorize(w, r)
	if !ok {
		return
	}
	defer release()

	if err := a.DeleteRoom(r.Context(), mux.Vars(r)["roomID"]); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var restCodec codec.Codec = codec.JSON{}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = restCodec.NewEncoder(w).Encode(payload)
	}
}

// respondErr writes err as {"code", "error"} with the status of its code.
// 5xx messages are replaced with errs.UnknownMessage.
func respondErr(w http.ResponseWriter, err error) {
	code, msg := errs.Public(err)
	respondJSON(w, code.HTTPStatus(), map[string]any{"code": code, "error": msg})
}
