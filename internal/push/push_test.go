package push

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"taigachat/server/internal/session"
)

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/pushChannel" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) session.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame session.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestMissingDeviceRejected(t *testing.T) {
	h := NewHandler(session.NewRegistry(), time.Minute)
	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Get(server.URL + "/pushChannel?id=0&token=x")
	if err != nil {
		t.Fatalf("GET = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestConnectRunsOnConnectAndDeliversFrames(t *testing.T) {
	registry := session.NewRegistry()
	h := NewHandler(registry, time.Minute)
	h.OnConnect = func(s *session.Session, token string) {
		s.Send(FrameSessionNumber, s.ID)
		if token == "secret" {
			s.Send(FrameProvision, map[string]string{"serverName": "taiga"})
		}
	}
	server := httptest.NewServer(h)
	defer server.Close()

	conn := dial(t, server, "?device=dev-1&token=secret")

	first := readFrame(t, conn)
	if first.Type != FrameSessionNumber || string(first.Data) != "0" {
		t.Fatalf("first frame = %s %s, want %s 0", first.Type, first.Data, FrameSessionNumber)
	}
	second := readFrame(t, conn)
	if second.Type != FrameProvision {
		t.Fatalf("second frame = %s, want %s", second.Type, FrameProvision)
	}

	// Frames sent after connect flow through the same pump.
	registry.Get(0).Send(FrameUpdate, []string{"5.0.rooms"})
	third := readFrame(t, conn)
	if third.Type != FrameUpdate {
		t.Fatalf("third frame = %s, want %s", third.Type, FrameUpdate)
	}
}

func TestAckFrameReachesHook(t *testing.T) {
	registry := session.NewRegistry()
	h := NewHandler(registry, time.Minute)
	acked := make(chan string, 1)
	h.OnAck = func(s *session.Session, versions string) { acked <- versions }
	server := httptest.NewServer(h)
	defer server.Close()

	conn := dial(t, server, "?device=dev-1")
	err := conn.WriteJSON(map[string]any{
		"type": FrameAck,
		"data": map[string]string{"receivedVersions": "5.0.rooms~3.2.chunk.1.4"},
	})
	if err != nil {
		t.Fatalf("write ack: %v", err)
	}

	select {
	case got := <-acked:
		if got != "5.0.rooms~3.2.chunk.1.4" {
			t.Fatalf("acked versions = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ack never reached hook")
	}
}

func TestNewConnectionDisplacesOld(t *testing.T) {
	registry := session.NewRegistry()
	h := NewHandler(registry, time.Minute)
	server := httptest.NewServer(h)
	defer server.Close()

	old := dial(t, server, "?device=dev-1")
	_ = dial(t, server, "?device=dev-1")

	// The displaced connection's write pump shuts down and closes the socket.
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := old.ReadMessage(); err == nil {
		t.Fatal("displaced connection still alive")
	}

	if got := len(registry.All()); got != 1 {
		t.Fatalf("registry has %d slots, want 1 reused slot", got)
	}
}

func TestDisplacementLosesNoFrames(t *testing.T) {
	registry := session.NewRegistry()
	h := NewHandler(registry, time.Minute)
	server := httptest.NewServer(h)
	defer server.Close()

	_ = dial(t, server, "?device=dev-1")

	// By the time the new dial returns, the old write pump has released the
	// frame channel: everything sent from here on reaches the new connection.
	replacement := dial(t, server, "?device=dev-1")
	slot := registry.Get(0)
	for i := 0; i < 10; i++ {
		slot.Send(FrameUpdate, []int{i})
	}
	for i := 0; i < 10; i++ {
		frame := readFrame(t, replacement)
		if frame.Type != FrameUpdate {
			t.Fatalf("frame %d = %s, want %s", i, frame.Type, FrameUpdate)
		}
		if want := "[" + string(rune('0'+i)) + "]"; string(frame.Data) != want {
			t.Fatalf("frame %d data = %s, want %s", i, frame.Data, want)
		}
	}
}

func TestPingFramesSent(t *testing.T) {
	h := NewHandler(session.NewRegistry(), 20*time.Millisecond)
	server := httptest.NewServer(h)
	defer server.Close()

	conn := dial(t, server, "?device=dev-1")
	frame := readFrame(t, conn)
	if frame.Type != FramePing {
		t.Fatalf("frame = %s, want %s", frame.Type, FramePing)
	}
}
