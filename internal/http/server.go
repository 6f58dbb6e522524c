package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ntcore/pkg/notifier"
	"ntcore/pkg/nterrors"
	"ntcore/pkg/storage"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
)

// iTable - часть nt.Instance, которая нужна API
type iTable interface {
	Identity() string
	GetEntryInfo(prefix string, typeMask value.Type) []storage.EntryInfo
	GetValue(name string) *value.Value
	GetFlags(name string) types.EntryFlags
	SetValue(name string, v *value.Value) bool
	ForceSetValue(name string, v *value.Value)
	Delete(name string)
	SetPersistent(name string)
	ClearPersistent(name string)
	Flush()
	Connections() []types.ConnectionInfo

	AddEntryListener(prefix string, cb notifier.EntryListener, flags types.NotifyFlags) int
	RemoveEntryListener(uid int)
	AddConnectionListener(cb notifier.ConnectionListener, immediate bool) int
	RemoveConnectionListener(uid int)
}

// Server exposes the table over HTTP: health, metrics, entry access and
// a websocket change feed.
type Server struct {
	table             iTable
	metrics           http.Handler
	hub               *hub
	httpServer        *http.Server
	URL               string
	addr              string
	readHeaderTimeout time.Duration
	logger            *slog.Logger
}

// NewServer creates a new server instance; metrics may be nil.
func NewServer(table iTable, metrics http.Handler, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		table:             table,
		metrics:           metrics,
		hub:               newHub(),
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: defaultReadHeaderTimeout,
		logger:            slog.Default().With("component", "http"),
	}
}

func (s *Server) SetReadHeaderTimeout(d time.Duration) {
	if d > 0 {
		s.readHeaderTimeout = d
	}
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	// Shutdown не трогает hijacked websocket-соединения
	s.hub.closeAll()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/entries", s.handleList)
		r.Get("/entry", s.handleGet)
		r.Put("/entry", s.handlePut)
		r.Delete("/entry", s.handleDelete)
		r.Put("/entry/persistent", s.handlePersistent(true))
		r.Delete("/entry/persistent", s.handlePersistent(false))
		r.Get("/connections", s.handleConnections)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := NewOKResponse()
	resp.Identity = s.table.Identity()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	mask, err := parseTypeMask(r.URL.Query().Get("types"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	infos := s.table.GetEntryInfo(r.URL.Query().Get("prefix"), mask)
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		v := s.table.GetValue(info.Name)
		if v == nil {
			continue
		}
		entries = append(entries, newEntry(info.Name, v, info.Flags))
	}
	s.writeJSON(w, http.StatusOK, NewEntriesResponse(entries))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	v := s.table.GetValue(key)
	if v == nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(nterrors.ErrNotFound.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewEntryResponse(newEntry(key, v, s.table.GetFlags(key))))
}

// handlePut принимает {"key","type","value"}; ?force=true меняет тип.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse body"))
		return
	}
	if req.Key == "" || len(req.Value) == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}
	v, err := decodeValue(req.Type, req.Value)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if force {
		s.table.ForceSetValue(req.Key, v)
	} else if !s.table.SetValue(req.Key, v) {
		s.writeJSON(w, http.StatusConflict, NewErrorResponse(nterrors.ErrTypeMismatch.Error()))
		return
	}
	s.table.Flush()
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	if s.table.GetValue(key) == nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(nterrors.ErrNotFound.Error()))
		return
	}
	s.table.Delete(key)
	s.table.Flush()
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handlePersistent(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
			return
		}
		if s.table.GetValue(key) == nil {
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse(nterrors.ErrNotFound.Error()))
			return
		}
		if on {
			s.table.SetPersistent(key)
		} else {
			s.table.ClearPersistent(key)
		}
		s.table.Flush()
		s.writeJSON(w, http.StatusOK, NewSuccessResponse())
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewConnectionsResponse(s.table.Connections()))
}
