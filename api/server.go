// Package api exposes the coordinator's public read/write surface over HTTP
// and provides the matching client. Values travel as opaque bytes; entry
// metadata (version, state) rides in headers so clients can decide
// staleness without parsing payloads.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/cachegate/cachegate/coordinator"
	"github.com/cachegate/cachegate/logger"
	"github.com/cachegate/cachegate/store"
)

const (
	// HeaderVersion carries the entry version on GET and PUT responses.
	HeaderVersion = "X-Cache-Version"
	// HeaderState carries the entry state on GET responses.
	HeaderState = "X-Cache-State"

	// maxValueBytes bounds PUT/POST bodies.
	maxValueBytes = 8 << 20
)

// Response is the JSON envelope for writes, deletes and errors.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Version int64  `json:"version,omitempty"`
}

// Server serves the coordinator over HTTP.
type Server struct {
	coord *coordinator.Coordinator
	log   logger.Logger
}

// NewServer returns a Server wrapping coord.
func NewServer(coord *coordinator.Coordinator, log logger.Logger) *Server {
	return &Server{coord: coord, log: log.WithPrefix("[api]")}
}

// Handler returns the HTTP handler for the public surface:
//
//	GET    /v1/cache/{key}  read (cache-transparent)
//	PUT    /v1/cache/{key}  write, triggers invalidation
//	POST   /v1/cache/{key}  alias for PUT
//	DELETE /v1/cache/{key}  delete, triggers invalidation
//	POST   /v1/invalidate   drop a key (?key=...) or everything
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/cache/{key...}", s.handleGet)
	mux.HandleFunc("PUT /v1/cache/{key...}", s.handlePut)
	mux.HandleFunc("POST /v1/cache/{key...}", s.handlePut)
	mux.HandleFunc("DELETE /v1/cache/{key...}", s.handleDelete)
	mux.HandleFunc("POST /v1/invalidate", s.handleInvalidate)
	return s.withRequestID(mux)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		s.log.With(map[string]interface{}{"requestId": id}).
			Trace("%s %s", r.Method, r.URL.Path)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing key")
		return
	}
	entry, err := s.coord.Read(r.Context(), key)
	if err != nil {
		s.writeReadError(w, key, err)
		return
	}
	w.Header().Set(HeaderVersion, strconv.FormatInt(entry.Version, 10))
	w.Header().Set(HeaderState, entry.State.String())
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(entry.Value)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing key")
		return
	}
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body")
		return
	}
	entry, err := s.coord.Write(r.Context(), key, value)
	if err != nil {
		s.writeStoreError(w, key, err)
		return
	}
	resp := Response{Success: true}
	if entry != nil {
		resp.Version = entry.Version
		w.Header().Set(HeaderVersion, strconv.FormatInt(entry.Version, 10))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing key")
		return
	}
	if err := s.coord.Delete(r.Context(), key); err != nil {
		s.writeStoreError(w, key, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var err error
	if key := r.URL.Query().Get("key"); key != "" {
		err = s.coord.Invalidate(r.Context(), key)
	} else {
		err = s.coord.InvalidateAll(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (s *Server) writeReadError(w http.ResponseWriter, key string, err error) {
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "key not found")
	case store.IsUnavailable(err):
		s.log.Error("store unavailable reading %s: %s", key, err)
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "authoritative store unavailable")
	default:
		s.log.Error("read %s failed: %s", key, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, key string, err error) {
	if store.IsUnavailable(err) {
		s.log.Error("store unavailable writing %s: %s", key, err)
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "authoritative store unavailable")
		return
	}
	s.log.Error("write %s failed: %s", key, err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{Success: false, Code: code, Message: message})
}
