// Package http is the rendezvous read-only inspection API: room
// membership for operators and a health endpoint. Joining happens on
// the signaling socket, not here.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrtc/presence/storage/memory"
)

const defaultShutdownDeadline = 10 * time.Second

var ErrUnexpected = errors.New("unexpected server error")

type RoomService interface {
	GetRoom(roomID string) (*memory.Room, error)
}

type memberView struct {
	ID       string    `json:"id"`
	Present  bool      `json:"present"`
	LastSeen time.Time `json:"last_seen"`
}

type roomView struct {
	ID      string       `json:"room_id"`
	Members []memberView `json:"members"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/room/{roomID}", srv.getRoom)
	r.HandleFunc("GET /healthz", srv.health)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	room, err := srv.svc.GetRoom(roomID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()}, &srv.logger)
		return
	}

	view := roomView{ID: room.ID, Members: make([]memberView, 0, len(room.Members))}
	for _, m := range room.Members {
		view.Members = append(view.Members, memberView{
			ID:       m.ID,
			Present:  m.Present,
			LastSeen: m.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, view, &srv.logger)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		logger.Warn().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
