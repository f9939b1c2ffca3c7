package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"fableboard/internal/ai"
	"fableboard/internal/game"
)

// The /dm surface exposes the table-management mutations. Every handler
// is a thin shell over internal/game; the resulting store writes fan out
// to connected clients over /sync like any other write.

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error("encode response", slog.String("error", err.Error()))
		}
	}
}

func (s *Server) writeGameError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ai.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, dest any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dest)
}

// handlePlayerAction dispatches /dm/players/{action}: approve, reject,
// remove and generate, each taking {"key": "..."}.
func (s *Server) handlePlayerAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	action := strings.TrimPrefix(r.URL.Path, "/dm/players/")

	var req struct {
		Key string `json:"key"`
	}
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		http.Error(w, "missing player key", http.StatusBadRequest)
		return
	}

	var err error
	switch action {
	case "approve":
		err = s.dm.ApprovePlayer(r.Context(), req.Key)
	case "reject":
		err = s.dm.RejectPlayer(r.Context(), req.Key)
	case "remove":
		err = s.dm.RemovePlayer(r.Context(), req.Key)
	case "generate":
		err = s.dm.GenerateCharacter(r.Context(), req.Key)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNPCs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ch game.Character
	if err := decodeBody(r, &ch); err != nil {
		http.Error(w, "malformed character", http.StatusBadRequest)
		return
	}
	if ch.Name == "" {
		http.Error(w, "character name is required", http.StatusBadRequest)
		return
	}
	id, err := s.dm.CreateNPC(r.Context(), ch)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleNPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/dm/npcs/")
	if id == "" {
		http.Error(w, "missing npc id", http.StatusBadRequest)
		return
	}
	if err := s.dm.RemoveNPC(r.Context(), id); err != nil {
		s.writeGameError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMaps creates a map from an uploaded image (multipart: name,
// width, height, file) or, with a JSON body, generates one.
func (s *Server) handleMaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Name        string  `json:"name"`
			Description string  `json:"description"`
			Width       float64 `json:"width"`
			Height      float64 `json:"height"`
		}
		if err := decodeBody(r, &req); err != nil || req.Name == "" {
			http.Error(w, "malformed map request", http.StatusBadRequest)
			return
		}
		m, err := s.dm.GenerateMap(r.Context(), req.Name, req.Description, req.Width, req.Height)
		if err != nil {
			s.writeGameError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, m)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSize); err != nil {
		http.Error(w, "file too large or malformed form", http.StatusBadRequest)
		return
	}
	name := r.FormValue("name")
	width, _ := strconv.ParseFloat(r.FormValue("width"), 64)
	height, _ := strconv.ParseFloat(r.FormValue("height"), 64)
	if name == "" || width <= 0 || height <= 0 {
		http.Error(w, "name, width and height are required", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload", http.StatusBadRequest)
		return
	}

	m, err := s.dm.CreateMap(r.Context(), name, image, width, height)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// handleMap serves /dm/maps/{id} deletion and the /dm/maps/{id}/activate,
// /dm/maps/{id}/token-size sub-actions.
func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/dm/maps/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "missing map id", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		if err := s.dm.DeleteMap(r.Context(), id); err != nil {
			s.writeGameError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "activate" && r.Method == http.MethodPost:
		if err := s.dm.SetActiveMap(r.Context(), id); err != nil {
			s.writeGameError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case strings.HasPrefix(action, "tokens/") && r.Method == http.MethodPost:
		key := strings.TrimSuffix(strings.TrimPrefix(action, "tokens/"), "/visibility")
		if key == "" || !strings.HasSuffix(action, "/visibility") {
			http.Error(w, "unknown token action", http.StatusNotFound)
			return
		}
		var req struct {
			Visible bool `json:"visible"`
		}
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		if err := s.dm.SetTokenVisibility(r.Context(), id, key, req.Visible); err != nil {
			s.writeGameError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case action == "token-size" && r.Method == http.MethodPost:
		var req struct {
			Size float64 `json:"size"`
		}
		if err := decodeBody(r, &req); err != nil || req.Size <= 0 {
			http.Error(w, "missing token size", http.StatusBadRequest)
			return
		}
		if err := s.dm.SetTokenSize(r.Context(), id, req.Size); err != nil {
			s.writeGameError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGrantRoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		http.Error(w, "missing player key", http.StatusBadRequest)
		return
	}
	if err := game.GrantRollPermission(r.Context(), s.tree, req.Key); err != nil {
		s.writeGameError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCommand runs one assistant instruction against the visible
// roster.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Instruction string `json:"instruction"`
	}
	if err := decodeBody(r, &req); err != nil || req.Instruction == "" {
		http.Error(w, "missing instruction", http.StatusBadRequest)
		return
	}

	roster, err := game.VisibleRoster(r.Context(), s.tree)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	summary, err := s.assistant.Execute(r.Context(), req.Instruction, roster)
	if err != nil {
		s.writeGameError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}
