package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"lsmrepl/pkg/rpc"
	"lsmrepl/pkg/store"
)

const maxValueBytes = 16 << 20

// iKVReader is what a replica serves.
type iKVReader interface {
	GetString(key string) (string, bool, error)
}

// iKVStore is what a primary serves.
type iKVStore interface {
	iKVReader
	PutString(key, value string) error
	Delete(key string) error
}

type kvHandler struct {
	reader iKVReader
	writer iKVStore
}

// MountKV adds /kv/{key} routes to r. Writes are only routed when st also
// accepts them; a replica gets 405 for PUT and DELETE.
func MountKV(r chi.Router, st iKVReader) {
	h := &kvHandler{reader: st}
	if w, ok := st.(iKVStore); ok {
		h.writer = w
	}

	r.Route(rpc.KVPath, func(r chi.Router) {
		r.Get("/{key}", h.handleGet)
		r.Put("/{key}", h.handlePut)
		r.Delete("/{key}", h.handleDelete)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func storeStatus(err error) int {
	if errors.Is(err, store.ErrClosed) {
		// replica engine is being swapped by a bootstrap
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// keyParam undoes the client's path escaping, chi routes on the raw path.
func keyParam(r *http.Request) string {
	key := chi.URLParam(r, "key")
	if unescaped, err := url.PathUnescape(key); err == nil {
		return unescaped
	}
	return key
}

func (h *kvHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)

	value, found, err := h.reader.GetString(key)
	if err != nil {
		writeJSON(w, storeStatus(err), NewErrorResponse(err.Error()))
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	writeJSON(w, http.StatusOK, NewValueResponse(value))
}

func (h *kvHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	if h.writer == nil {
		writeJSON(w, http.StatusMethodNotAllowed, NewErrorResponse("read-only replica"))
		return
	}

	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read value"))
		return
	}
	if len(value) > maxValueBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse("Value too large"))
		return
	}

	if err := h.writer.PutString(keyParam(r), string(value)); err != nil {
		writeJSON(w, storeStatus(err), NewErrorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, NewOKResponse())
}

func (h *kvHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if h.writer == nil {
		writeJSON(w, http.StatusMethodNotAllowed, NewErrorResponse("read-only replica"))
		return
	}

	if err := h.writer.Delete(keyParam(r)); err != nil {
		writeJSON(w, storeStatus(err), NewErrorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, NewOKResponse())
}
