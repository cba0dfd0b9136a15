package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/local-history-storage/content"
	"github.com/ruteri/local-history-storage/interfaces"
	"github.com/ruteri/local-history-storage/storage"
)

// HistoryStorage is the part of storage.Storage served over HTTP.
type HistoryStorage interface {
	Dir() string
	State() storage.State
	LastRecovery() storage.Recovery
	Stats() storage.Stats
	StoreContent(data []byte) content.Content
	LoadContentData(id interfaces.ContentID) ([]byte, error)
	RemoveContent(id interfaces.ContentID) error
	Save() error
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	State        string        `json:"state"`
	LastRecovery string        `json:"last_recovery"`
	Version      int           `json:"version"`
	Dir          string        `json:"dir"`
	Stats        storage.Stats `json:"stats"`
}

// StoreResponse is returned after storing a content.
type StoreResponse struct {
	ID        interfaces.ContentID `json:"id"`
	Available bool                 `json:"available"`
}

// Handler serves the local history API.
type Handler struct {
	storage HistoryStorage
	log     *slog.Logger
}

// NewHandler creates a handler over s.
func NewHandler(s HistoryStorage, log *slog.Logger) *Handler {
	return &Handler{
		storage: s,
		log:     log,
	}
}

// HandleStatus reports storage health.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, http.StatusOK, StatusResponse{
		State:        h.storage.State().String(),
		LastRecovery: h.storage.LastRecovery().String(),
		Version:      storage.CurrentVersion,
		Dir:          h.storage.Dir(),
		Stats:        h.storage.Stats(),
	})
}

// HandleGetContent streams the bytes stored under the id in the URL.
func (h *Handler) HandleGetContent(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.ParseContentID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid content id", http.StatusBadRequest)
		return
	}

	data, err := h.storage.LoadContentData(id)
	if err != nil {
		h.writeStorageError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleDeleteContent purges the content under the id in the URL.
func (h *Handler) HandleDeleteContent(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.ParseContentID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid content id", http.StatusBadRequest)
		return
	}

	if err := h.storage.RemoveContent(id); err != nil {
		h.writeStorageError(w, id, err)
		return
	}

	h.log.Info("Purged content", slog.String("content_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// HandlePutContent stores the request body as a new content.
func (h *Handler) HandlePutContent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, interfaces.MaxContentLength+1))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > interfaces.MaxContentLength {
		http.Error(w, interfaces.ErrContentTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	c := h.storage.StoreContent(body)
	if c.ID() == interfaces.UnavailableID {
		h.log.Warn("Content stored as unavailable", slog.String("state", h.storage.State().String()))
		http.Error(w, interfaces.ErrContentUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := h.storage.Save(); err != nil {
		h.log.Error("Failed to save contents", "err", err)
		http.Error(w, "Failed to save contents", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.log, http.StatusCreated, StoreResponse{ID: c.ID(), Available: true})
}

func (h *Handler) writeStorageError(w http.ResponseWriter, id interfaces.ContentID, err error) {
	switch {
	case errors.Is(err, interfaces.ErrStorageBroken):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, interfaces.ErrContentRemoved), errors.Is(err, interfaces.ErrContentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.log.Error("Storage operation failed", slog.String("content_id", id.String()), "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}
