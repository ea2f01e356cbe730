package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"lyricsync/internal/auth"
	"lyricsync/internal/authpw"
	"lyricsync/internal/export"
	"lyricsync/internal/search"
	"lyricsync/internal/wire"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	hub        *Hub
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, hub: NewHub(service, corsOrigin)}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p Principal)

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Methods(http.MethodGet, http.MethodHead).Path("/api/health").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet, http.MethodHead).Path("/api/ready").HandlerFunc(s.handleReady)

	r.Methods(http.MethodPost).Path("/api/auth/signup").HandlerFunc(s.handleAuthSignUp)
	r.Methods(http.MethodPost).Path("/api/auth/signin").HandlerFunc(s.handleAuthSignIn)
	r.Methods(http.MethodGet).Path("/api/me").HandlerFunc(s.authed(s.handleMe))

	r.Methods(http.MethodGet).Path("/api/search").HandlerFunc(s.authed(s.handleSearch))

	r.Methods(http.MethodGet).Path("/api/sessions").HandlerFunc(s.authed(s.handleListSessions))
	r.Methods(http.MethodPost).Path("/api/sessions").HandlerFunc(s.authed(s.handleCreateSession))
	r.Methods(http.MethodGet).Path("/api/sessions/{id}").HandlerFunc(s.authed(s.handleGetSession))
	r.Methods(http.MethodPut).Path("/api/sessions/{id}").HandlerFunc(s.authed(s.handleUpdateSession))
	r.Methods(http.MethodDelete).Path("/api/sessions/{id}").HandlerFunc(s.authed(s.handleDeleteSession))

	r.Methods(http.MethodPost).Path("/api/sessions/{id}/lines").HandlerFunc(s.authed(s.handleAddLine))
	r.Methods(http.MethodPut).Path("/api/sessions/{id}/lines/order").HandlerFunc(s.authed(s.handleReorder))
	r.Methods(http.MethodPut).Path("/api/sessions/{id}/lines/{lineID:[0-9]+}").HandlerFunc(s.authed(s.handleUpdateLine))
	r.Methods(http.MethodDelete).Path("/api/sessions/{id}/lines/{lineID:[0-9]+}").HandlerFunc(s.authed(s.handleDeleteLine))

	r.Methods(http.MethodGet).Path("/api/sessions/{id}/live").Handler(s.hub)

	r.Methods(http.MethodGet).Path("/api/sessions/{id}/versions").HandlerFunc(s.authed(s.handleListVersions))
	r.Methods(http.MethodPost).Path("/api/sessions/{id}/versions").HandlerFunc(s.authed(s.handleSaveVersion))
	r.Methods(http.MethodGet).Path("/api/sessions/{id}/versions/{hash}").HandlerFunc(s.authed(s.handleGetVersion))
	r.Methods(http.MethodGet).Path("/api/sessions/{id}/export").HandlerFunc(s.authed(s.handleExport))
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	resp, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body wire.SignInRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	resp, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request, p Principal) {
	writeJSON(w, http.StatusOK, map[string]any{
		"writerId":   p.WriterID,
		"writerName": p.WriterName,
		"role":       p.Role,
		"expiresAt":  p.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, p Principal) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp, err := s.service.Search(r.Context(), p, search.Query{
		Text:      query.Get("q"),
		SessionID: query.Get("sessionId"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request, p Principal) {
	sessions, err := s.service.ListSessions(r.Context(), p)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request, p Principal) {
	var body wire.CreateSessionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	created, err := s.service.CreateSession(r.Context(), p, body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request, p Principal) {
	detail, err := s.service.GetSession(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleUpdateSession(w http.ResponseWriter, r *http.Request, p Principal) {
	var body wire.UpdateSessionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = idempotencyKey(r)
	}
	updated, err := s.service.UpdateSession(r.Context(), p, mux.Vars(r)["id"], body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request, p Principal) {
	if err := s.service.DeleteSession(r.Context(), p, mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAddLine(w http.ResponseWriter, r *http.Request, p Principal) {
	var body wire.AddLineRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = idempotencyKey(r)
	}
	resp, err := s.service.AddLine(r.Context(), p, mux.Vars(r)["id"], body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *HTTPServer) handleUpdateLine(w http.ResponseWriter, r *http.Request, p Principal) {
	lineID, ok := lineIDParam(w, r)
	if !ok {
		return
	}
	var body wire.UpdateLineRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = idempotencyKey(r)
	}
	line, err := s.service.UpdateLine(r.Context(), p, mux.Vars(r)["id"], lineID, body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (s *HTTPServer) handleDeleteLine(w http.ResponseWriter, r *http.Request, p Principal) {
	lineID, ok := lineIDParam(w, r)
	if !ok {
		return
	}
	lines, err := s.service.DeleteLine(r.Context(), p, mux.Vars(r)["id"], lineID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.LinesResponse{Lines: lines})
}

func (s *HTTPServer) handleReorder(w http.ResponseWriter, r *http.Request, p Principal) {
	var body wire.ReorderRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	lines, err := s.service.ReorderLines(r.Context(), p, mux.Vars(r)["id"], body.LineIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.LinesResponse{Lines: lines})
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, p Principal) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	versions, err := s.service.Versions(r.Context(), p, mux.Vars(r)["id"], limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *HTTPServer) handleSaveVersion(w http.ResponseWriter, r *http.Request, p Principal) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	version, err := s.service.SaveVersion(r.Context(), p, mux.Vars(r)["id"], body.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, p Principal) {
	vars := mux.Vars(r)
	detail, err := s.service.Version(r.Context(), p, vars["id"], vars["hash"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, p Principal) {
	query := r.URL.Query()
	format, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(query.Get("format"))))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	result, err := s.service.Export(r.Context(), p, mux.Vars(r)["id"], strings.TrimSpace(query.Get("version")), format)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.Header().Set("Content-Type", result.MimeType)
	if result.URL != "" {
		w.Header().Set("X-Export-URL", result.URL)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) authed(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.requirePrincipal(w, r)
		if !ok {
			return
		}
		next(w, r, p)
	}
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Principal{}, false
	}
	p, err := s.service.PrincipalFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Principal{}, false
		}
		log.Printf("app: principal lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Principal{}, false
	}
	return p, true
}

func lineIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	lineID, err := strconv.ParseInt(mux.Vars(r)["lineID"], 10, 64)
	if err != nil || lineID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_LINE_ID", "Invalid line id", nil)
		return 0, false
	}
	return lineID, true
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		setCORSHeaders(w.Header(), s.corsOrigin)
		w.Header().Set("X-Request-ID", requestID)

		m := httpsnoop.CaptureMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		}), w, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d,"bytes":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			m.Code,
			m.Duration.Milliseconds(),
			m.Written,
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Idempotency-Key")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
