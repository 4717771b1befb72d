package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"entitysync/server/internal/auth"
	"entitysync/server/internal/protocol"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBytes = 4 << 20

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

// RequestHandler is the pipeline as the transport sees it.
type RequestHandler interface {
	HandleRequestData(ctx context.Context, req protocol.RequestData) protocol.ResponseData
}

type Server struct {
	handler RequestHandler
	auth    *auth.Manager
	diffs   http.Handler
}

// NewServer serves handler on /api. authManager and diffs are optional; without
// them cookie sessions and the diff stream are not available.
func NewServer(handler RequestHandler, authManager *auth.Manager, diffs http.Handler) *Server {
	return &Server{handler: handler, auth: authManager, diffs: diffs}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	api := http.Handler(http.HandlerFunc(s.handleAPI))
	if s.auth != nil {
		api = s.auth.WithSession(api)
	}
	mux.Handle("/api", api)
	if s.diffs != nil {
		mux.Handle("/sync/ws", s.diffs)
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)

	if s.auth != nil && s.auth.OIDCEnabled() {
		mux.Handle("/auth/login", s.auth.OIDCMiddleware(nil)(s.auth.LoginHandler()))
		mux.Handle("/auth/callback", s.auth.CallbackHandler())
		mux.Handle("/auth/logout", s.auth.LogoutHandler())
	}
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req protocol.RequestData
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := decodeJSON(r, &req); err != nil {
		log.Printf("api decode error: %v", err)
		res := protocol.ErrorResponse(protocol.NewError(protocol.ErrBadRequest, err.Error()))
		reportResponse("", res)
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	if req.SessionID == "" {
		if sessionID, ok := auth.SessionIDFromContext(r.Context()); ok {
			req.SessionID = sessionID
		}
	}

	res := s.handler.HandleRequestData(r.Context(), req)
	reportResponse(req.Method, res)

	status := http.StatusOK
	if serverErr := res.Err(); serverErr != nil {
		status = protocol.StatusCode(serverErr.Type)
		log.Printf("api error method=%s type=%s: %s", req.Method, serverErr.Type, serverErr.Message)
	} else if s.auth != nil {
		s.updateCookie(w, r, req.Method, res)
	}
	writeJSON(w, status, res)
}

// updateCookie keeps the browser cookie in step with login and logout.
func (s *Server) updateCookie(w http.ResponseWriter, r *http.Request, method protocol.Method, res protocol.ResponseData) {
	switch method {
	case protocol.MethodLogin:
		var result protocol.LoginCommandResult
		if err := res.Decode(method, &result); err != nil {
			return
		}
		if err := s.auth.SaveSessionID(w, r, result.Session.ID); err != nil {
			log.Printf("api login cookie error session=%s: %v", result.Session.ID, err)
		}
	case protocol.MethodLogout:
		if err := s.auth.ClearSession(w, r); err != nil {
			log.Printf("api logout cookie error: %v", err)
		}
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
