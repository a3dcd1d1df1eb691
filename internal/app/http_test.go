package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taigachat/server/internal/perm"
	"taigachat/server/internal/push"
)

func newTestServer(t *testing.T) (*harness, *httptest.Server) {
	t.Helper()
	h := newHarness(t)
	pushHandler := push.NewHandler(h.registry, time.Minute)
	srv := NewHTTPServer(h.svc, pushHandler, h.pool, "*")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return h, ts
}

func postAction(t *testing.T, ts *httptest.Server, name, query string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(ts.URL+"/action/"+name+query, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST /action/%s: %v", name, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

func TestActionRequiresDevice(t *testing.T) {
	_, ts := newTestServer(t)
	status, body := postAction(t, ts, "newRoom0", "", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if body["code"] != "VALIDATION" {
		t.Fatalf("code = %v, want VALIDATION", body["code"])
	}
}

func TestActionWithoutAuthGetsNonce(t *testing.T) {
	_, ts := newTestServer(t)
	status, body := postAction(t, ts, "newRoom0", "?device=d1", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if body["code"] != "AUTH_FAILED" {
		t.Fatalf("code = %v, want AUTH_FAILED", body["code"])
	}
	details, _ := body["details"].(map[string]any)
	if details == nil || details["nonce"] == "" || details["nonce"] == nil {
		t.Fatalf("details = %v, want a fresh nonce", body["details"])
	}
	if details["publicSalt"] != "salt" {
		t.Fatalf("publicSalt = %v, want the configured salt", details["publicSalt"])
	}
}

func TestActionSessionIDMismatch(t *testing.T) {
	h, ts := newTestServer(t)
	sess := h.registry.Obtain("d1")
	status, body := postAction(t, ts, "newRoom0", fmt.Sprintf("?device=d1&id=%d", sess.ID+7), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if body["error"] != "session id does not match device" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestActionReconnectFastPath(t *testing.T) {
	h, ts := newTestServer(t)
	sess := h.authedSession("u1")
	h.grantUser(t, "u1", domainGlobal, perm.WriteChat)
	room, _ := h.fs.CreateRoom(context.Background(), "general", h.clk.Now())

	query := fmt.Sprintf("?device=%s&id=%d&token=%s", sess.DeviceID, sess.ID, sess.Token)
	status, body := postAction(t, ts, "sendMessage0", query, map[string]any{
		"args": map[string]any{"roomID": room.ID, "content": "hello"},
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if int(body["id"].(float64)) != sess.ID || body["token"] != sess.Token {
		t.Fatalf("envelope = %v, want slot and token echoed", body)
	}
	payload, _ := body["payload"].(map[string]any)
	if payload == nil || payload["chunkID"].(float64) != 0 || payload["index"].(float64) != 0 {
		t.Fatalf("payload = %v, want first message of chunk 0", body["payload"])
	}
}

func TestBootstrapFirstUserBecomesAdmin(t *testing.T) {
	h, ts := newTestServer(t)
	ctx := context.Background()

	// Boot-time seeding, exactly as main does it: no roles are pre-created.
	if err := EnsureDefaultRoles(ctx, h.fs, h.clk); err != nil {
		t.Fatalf("EnsureDefaultRoles() = %v", err)
	}

	status, _ := postAction(t, ts, "newRole0", "?device=d1", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("first request status = %d, want 401 with nonce", status)
	}

	// The first user ever created receives the seeded Admin role and can
	// administer the server from a cold start.
	status, body := postAction(t, ts, "newRole0", "?device=d1", map[string]any{
		"auth": map[string]any{"method": "anonymous0", "value": "founder"},
		"args": map[string]any{"title": "moderators", "penalty": 5},
	})
	if status != http.StatusOK {
		t.Fatalf("first user newRole0 = %d, body = %v", status, body)
	}
	if body["token"] == "" || body["token"] == nil {
		t.Fatalf("envelope = %v, want a session token", body)
	}
	payload, _ := body["payload"].(map[string]any)
	if payload == nil || payload["roleID"] == nil {
		t.Fatalf("payload = %v, want the new role id", body["payload"])
	}

	// A later user only gets the Everyone role.
	postAction(t, ts, "sendMessage0", "?device=d2", nil)
	status, body = postAction(t, ts, "newRole0", "?device=d2", map[string]any{
		"auth": map[string]any{"method": "anonymous0", "value": "latecomer"},
		"args": map[string]any{"title": "intruders", "penalty": 1},
	})
	if status != http.StatusBadRequest || body["error"] != "lacks permission" {
		t.Fatalf("second user newRole0 = %d %v, want lacks permission", status, body)
	}
}

func TestHealthAndReady(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("CORS origin = %q, want *", origin)
	}

	resp, err = http.Get(ts.URL + "/api/ready")
	if err != nil {
		t.Fatalf("GET /api/ready: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
	var ready struct {
		OK     bool `json:"ok"`
		Checks struct {
			MediaWorkers []string `json:"mediaWorkers"`
		} `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if !ready.OK {
		t.Fatal("ready reported not ok with a healthy fake store")
	}
	if ready.Checks.MediaWorkers == nil {
		t.Fatal("mediaWorkers missing from readiness checks")
	}
}

func TestUnknownPathIs404(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
