package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"taigachat/server/internal/session"
	"taigachat/server/internal/sfu"
	"taigachat/server/internal/store"
)

type HTTPServer struct {
	service    *Service
	push       http.Handler
	pool       *sfu.Pool
	corsOrigin string

	upgrader websocket.Upgrader
}

func NewHTTPServer(service *Service, push http.Handler, pool *sfu.Pool, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		push:       push,
		pool:       pool,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		workers := make([]string, 0)
		for _, state := range s.pool.WorkerStates() {
			workers = append(workers, state.String())
		}
		checks["mediaWorkers"] = workers

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.URL.Path == "/pushChannel" {
		s.push.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/sfu/control" {
		s.handleWorkerControl(w, r)
		return
	}

	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/action/") {
		s.handleAction(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleWorkerControl attaches a media worker's dialed-back control socket.
func (s *HTTPServer) handleWorkerControl(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "code query parameter is required", nil)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sfu control: upgrade: %v", err)
		return
	}
	if err := s.pool.HandleControl(conn, code); err != nil {
		log.Printf("sfu control: %v", err)
		conn.Close()
	}
}

type actionRequest struct {
	Auth *session.Payload `json:"auth,omitempty"`
	Args json.RawMessage  `json:"args,omitempty"`
}

// handleAction runs one action. Every request must carry the device query
// parameter; id and token enable the reconnect fast path.
func (s *HTTPServer) handleAction(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/action/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	query := r.URL.Query()
	device := query.Get("device")
	if device == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "device query parameter is required", nil)
		return
	}
	token := query.Get("token")
	slot := -1
	if raw := query.Get("id"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "malformed session id", nil)
			return
		}
		slot = parsed
	}

	var body actionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}

	sess := s.service.registry.Obtain(device)
	if slot >= 0 && slot != sess.ID {
		writeError(w, http.StatusBadRequest, "VALIDATION", "session id does not match device", nil)
		return
	}

	svc := s.service
	svc.coreMu.Lock()
	defer svc.coreMu.Unlock()

	if !svc.auth.Resume(r.Context(), sess, device, token) {
		if body.Auth == nil {
			nonce := svc.auth.IssueNonce(sess, sess.ExpectedAuthID)
			failure := session.Failure{Attempt: "", Error: "authentication required", Nonce: nonce, PublicSalt: svc.auth.PublicSalt()}
			writeError(w, http.StatusUnauthorized, "AUTH_FAILED", failure.Error, failure)
			return
		}
		if err := svc.authenticate(r.Context(), sess, body.Auth); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
	}

	payload, err := svc.Dispatch(r.Context(), sess, name, body.Args)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	response := map[string]any{
		"id":    sess.ID,
		"token": sess.Token,
	}
	if payload != nil {
		response["payload"] = payload
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		// Websocket endpoints hijack the connection; wrapping the writer
		// would break the upgrade.
		if r.URL.Path == "/pushChannel" || r.URL.Path == "/sfu/control" {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		// Actions without arguments ship an empty body.
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// mapError translates failures per the action-protocol policy: validation
// and permission failures as 400 with a short message, auth failures as 401
// with a structured payload, everything else as an opaque 401 with the
// detail logged server-side only.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusBadRequest, "VALIDATION", "not found", nil
	}
	log.Printf("app: internal error: %v", err)
	return http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil
}
