package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/nicodishanthj/soldocs/internal/agent"
	"github.com/nicodishanthj/soldocs/internal/common"
	"github.com/nicodishanthj/soldocs/internal/idl"
	"github.com/nicodishanthj/soldocs/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	// The loop must outlive this request, so it gets its own context.
	if err := s.agent.Start(context.Background()); err != nil {
		if errors.Is(err, agent.ErrAlreadyRunning) {
			writeJSON(w, http.StatusOK, map[string]string{"message": "agent already running"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "agent started"})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	s.agent.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"message": "agent stopping"})
}

func (s *Server) handleListPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := s.store.ListPrograms()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if search := strings.TrimSpace(r.URL.Query().Get("search")); search != "" {
		needle := strings.ToLower(search)
		filtered := programs[:0]
		for _, p := range programs {
			if strings.Contains(strings.ToLower(p.Name), needle) ||
				strings.Contains(strings.ToLower(p.ProgramID), needle) ||
				strings.Contains(strings.ToLower(p.Description), needle) {
				filtered = append(filtered, p)
			}
		}
		programs = filtered
	}

	sort.SliceStable(programs, func(i, j int) bool {
		return programs[i].UpdatedAt.After(programs[j].UpdatedAt)
	})

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", defaultPageSize)
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	total := len(programs)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"programs": programs[start:end],
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

// queryInt parses an integer query parameter, falling back to def on any
// garbage instead of erroring.
func queryInt(r *http.Request, key string, def int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func (s *Server) handleGetProgram(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !store.ValidProgramID(id) {
		writeError(w, http.StatusBadRequest, store.ErrInvalidProgramID)
		return
	}
	program, err := s.store.GetProgram(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("program %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	response := map[string]any{"program": program, "docs": nil}
	if docs, err := s.store.GetDocumentation(id); err == nil {
		response["docs"] = docs
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetIDL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !store.ValidProgramID(id) {
		writeError(w, http.StatusBadRequest, store.ErrInvalidProgramID)
		return
	}
	cache, err := s.store.GetIDL(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no idl cached for %s", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cache)
}

func (s *Server) handleSubmitProgram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProgramID string `json:"programId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	id := strings.TrimSpace(req.ProgramID)
	if !store.ValidProgramID(id) {
		writeError(w, http.StatusBadRequest, store.ErrInvalidProgramID)
		return
	}
	item, disposition, err := s.store.AddToQueueSafe(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	common.Logger().Info("api: program submitted", "program", id, "disposition", disposition)
	switch disposition {
	case store.QueueCreated:
		writeJSON(w, http.StatusAccepted, map[string]any{"message": "program queued for documentation", "item": item})
	case store.QueueRequeued:
		writeJSON(w, http.StatusOK, map[string]any{"message": "program re-queued after failure", "item": item})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"message": "program already queued", "item": item})
	}
}

func (s *Server) handleUploadIDL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !store.ValidProgramID(id) {
		writeError(w, http.StatusBadRequest, store.ErrInvalidProgramID)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return
	}
	doc, err := idl.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(doc.Instructions()) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("idl must declare at least one instruction"))
		return
	}
	if doc.Name() == idl.UnknownProgramName {
		writeError(w, http.StatusBadRequest, fmt.Errorf("idl must declare a program name"))
		return
	}
	cache, err := s.store.SaveIDLSafe(id, doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	item, _, err := s.store.AddToQueueSafe(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	common.Logger().Info("api: idl uploaded", "program", id, "name", doc.Name(), "hash", cache.Hash)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "idl saved and program queued",
		"hash":    cache.Hash,
		"item":    item,
	})
}

func (s *Server) handleDeleteProgram(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !store.ValidProgramID(id) {
		writeError(w, http.StatusBadRequest, store.ErrInvalidProgramID)
		return
	}
	if _, err := s.store.GetProgram(id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("program %s not found", id))
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.RemoveProgramSafe(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.RemoveFromQueueSafe(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.RemoveDocumentation(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.RemoveIDL(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	common.Logger().Info("api: program deleted", "program", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "program deleted"})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.store.ListQueue()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "total": len(queue)})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": common.LogEntries()})
}
