package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"log/slog"
	"sync"

	"fableboard/internal/ai"
	"fableboard/internal/blob"
	"fableboard/internal/game"
	"fableboard/internal/store"

	"github.com/google/uuid"
)

// Server wraps HTTP handlers and configuration around the shared game tree.
type Server struct {
	cfg             Config
	logger          *slog.Logger
	mux             *http.ServeMux
	allowedOrigins  []string
	allowAllOrigins bool
	tree            *store.Tree
	db              *store.DB
	blobs           *blob.Dir
	gen             *ai.Client
	dm              *game.DM
	assistant       *game.Assistant
	syncer          *game.Synchronizer
	auditSub        store.Subscription

	mu            sync.Mutex
	lastLoggedAt  int64
	closed        bool
}

// New constructs a Server with routes, storage and middleware configured.
func New(cfg Config) (*Server, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	tree, err := store.NewPersistentTree(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("restore game tree: %w", err)
	}

	blobs, err := blob.NewDir(cfg.BlobDir, "/blobs")
	if err != nil {
		tree.Close()
		db.Close()
		return nil, fmt.Errorf("ensure blob directory: %w", err)
	}

	gen, err := ai.New(context.Background(), cfg.GeminiAPIKey)
	if err != nil {
		tree.Close()
		db.Close()
		return nil, fmt.Errorf("create generative client: %w", err)
	}

	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		mux:            http.NewServeMux(),
		allowedOrigins: cfg.AllowedOrigins,
		tree:           tree,
		db:             db,
		blobs:          blobs,
		gen:            gen,
		dm:             game.NewDM(tree, gen, blobs),
		assistant:      game.NewAssistant(tree, gen, blobs),
		syncer:         game.NewSynchronizer(tree, logger),
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}

	if err := srv.watchDiceRolls(); err != nil {
		srv.Close()
		return nil, fmt.Errorf("watch dice rolls: %w", err)
	}
	if err := srv.syncer.Start(context.Background()); err != nil {
		srv.Close()
		return nil, fmt.Errorf("start token synchronizer: %w", err)
	}

	srv.routes()
	return srv, nil
}

// Tree exposes the server's live game tree. Handlers and in-process game
// components share the same instance.
func (s *Server) Tree() *store.Tree { return s.tree }

// Blobs exposes the server's blob store.
func (s *Server) Blobs() *blob.Dir { return s.blobs }

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := ":" + s.cfg.Port
	s.logger.Info("starting server", slog.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

// Handler returns the full middleware-wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.loggingMiddleware(s.mux))
}

// Close releases the server's storage resources.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.syncer != nil {
		s.syncer.Stop()
	}
	if s.auditSub != nil {
		s.auditSub.Cancel()
	}
	if s.gen != nil {
		s.gen.Close()
	}
	if err := s.tree.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/sync", s.handleSync)
	s.mux.HandleFunc("/rolls", s.handleRolls)
	s.mux.HandleFunc("/blobs", s.handleBlobUpload)
	s.mux.HandleFunc("/blobs/", s.handleBlob)
	s.mux.HandleFunc("/dm/players/", s.handlePlayerAction)
	s.mux.HandleFunc("/dm/npcs", s.handleNPCs)
	s.mux.HandleFunc("/dm/npcs/", s.handleNPC)
	s.mux.HandleFunc("/dm/maps", s.handleMaps)
	s.mux.HandleFunc("/dm/maps/", s.handleMap)
	s.mux.HandleFunc("/dm/roll/grant", s.handleGrantRoll)
	s.mux.HandleFunc("/dm/command", s.handleCommand)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRolls serves the persisted dice audit log, newest first.
func (s *Server) handleRolls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}

	rolls, err := s.db.RecentDiceRolls(limit)
	if err != nil {
		s.logger.Error("list dice rolls", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rolls)
}

// handleBlobUpload accepts a multipart file and stores it under the blob dir.
func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSize); err != nil {
		http.Error(w, "file too large or malformed form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload", http.StatusBadRequest)
		return
	}

	ext := strings.ToLower(path.Ext(header.Filename))
	if ext == "" {
		ext = ".bin"
	}
	name := "uploads/" + uuid.New().String() + ext

	handle, err := s.blobs.Put(r.Context(), name, data)
	if err != nil {
		s.logger.Error("store upload", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": handle.DownloadURL()})
}

// handleBlob serves and deletes stored blobs under /blobs/.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		http.StripPrefix("/blobs/", http.FileServer(http.Dir(s.blobs.Root()))).ServeHTTP(w, r)
	case http.MethodDelete:
		name := strings.TrimPrefix(r.URL.Path, "/blobs/")
		if name == "" {
			http.Error(w, "missing blob name", http.StatusBadRequest)
			return
		}
		if err := s.blobs.Delete(r.Context(), name); err != nil {
			http.Error(w, "blob not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// watchDiceRolls mirrors completed rolls from the live tree into the audit
// table. The timestamp guard keeps the in-flight and revealed phases of the
// same roll from producing two rows.
func (s *Server) watchDiceRolls() error {
	sub, err := s.tree.Subscribe(game.PathDiceRoll, func(raw json.RawMessage) {
		if string(raw) == "null" {
			return
		}
		var roll game.DiceRoll
		if err := json.Unmarshal(raw, &roll); err != nil {
			s.logger.Warn("decode dice roll", slog.String("error", err.Error()))
			return
		}
		if roll.IsRolling || roll.Result == nil {
			return
		}

		s.mu.Lock()
		if roll.Timestamp <= s.lastLoggedAt {
			s.mu.Unlock()
			return
		}
		s.lastLoggedAt = roll.Timestamp
		s.mu.Unlock()

		rolledAt := time.UnixMilli(roll.Timestamp)
		if err := s.db.RecordDiceRoll(roll.RollerName, *roll.Result, rolledAt); err != nil {
			s.logger.Error("record dice roll", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	s.auditSub = sub
	return nil
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows the websocket upgrader to take over the connection through
// the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}
