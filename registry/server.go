package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juusnet/juus"
	"github.com/juusnet/juus/internal/logging"
	"github.com/juusnet/juus/internal/telemetry"
	"go.uber.org/zap"
)

// DefaultAddr is where the registry listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:8081"

// maxBodySize bounds request bodies; a member is well under it.
const maxBodySize = 64 << 10

// Member is a published name. PubKey encodes as a JSON array of 32 numbers.
type Member struct {
	Name   string         `json:"name"`
	PubKey juus.PublicKey `json:"pubkey"`
}

// MemberStub names a member to look up.
type MemberStub struct {
	Name string `json:"name"`
}

// memberRequest accepts the key as an array of numbers, or base64 text.
type memberRequest struct {
	Name   string `json:"name"`
	PubKey []byte `json:"pubkey"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Server serves the registry API over a Backend.
type Server struct {
	backend Backend
	router  *mux.Router
	log     *zap.Logger
}

// NewServer returns the registry HTTP handler.
func NewServer(backend Backend, logger *zap.Logger) *Server {
	s := &Server{
		backend: backend,
		router:  mux.NewRouter(),
		log:     logging.OrNop(logger).Named("registry"),
	}
	s.router.Use(s.logRequests)
	s.router.Handle("/get", telemetry.Instrument("get", http.HandlerFunc(s.handleGet))).Methods(http.MethodGet)
	s.router.Handle("/set", telemetry.Instrument("set", http.HandlerFunc(s.handleSet))).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	s.router.Handle("/metrics", telemetry.MetricsHandler()).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleGet reads {"name"} from the body. Without a body, the "name" query
// parameter is used.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var stub MemberStub
	if err := decodeJSON(r, &stub); errors.Is(err, io.EOF) {
		stub.Name = r.URL.Query().Get("name")
	} else if err != nil {
		s.writeError(w, http.StatusBadRequest, "Bad request", err.Error())
		return
	}
	if stub.Name == "" {
		s.writeError(w, http.StatusBadRequest, "Bad request", ErrInvalidName.Error())
		return
	}

	key, err := s.backend.Get(stub.Name)
	if err != nil {
		s.storeError(w, stub.Name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Bad request", err.Error())
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "Bad request", ErrInvalidName.Error())
		return
	}
	if len(req.PubKey) != juus.KeySize {
		s.writeError(w, http.StatusBadRequest, "Bad request", fmt.Sprintf("pubkey is %d bytes, expected %d", len(req.PubKey), juus.KeySize))
		return
	}

	var key juus.PublicKey
	copy(key[:], req.PubKey)
	if err := s.backend.Set(req.Name, key); err != nil {
		s.storeError(w, req.Name, err)
		return
	}
	s.log.Info("member published", zap.String("name", req.Name), zap.Stringer("pubkey", key))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) storeError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Not found", name)
	case errors.Is(err, ErrInvalidName):
		s.writeError(w, http.StatusBadRequest, "Bad request", err.Error())
	default:
		s.log.Error("registry store failure", zap.String("name", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Internal server error", err.Error())
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	return dec.Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("writing response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, details string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}

type loggedWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggedWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lw := &loggedWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(lw, r)
		s.log.Info("request",
			zap.String("remote", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", lw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
