package server

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nutanix-japan/transcription-app/internal/config"
	"github.com/nutanix-japan/transcription-app/internal/protocol"
)

func dialWS(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return ev
}

// readUntil skips events until one of type typ arrives
func readUntil(t *testing.T, conn *websocket.Conn, typ string) protocol.Event {
	t.Helper()
	for {
		if ev := readEvent(t, conn); ev.Type == typ {
			return ev
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestWebSocketTranscriptFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	status := readEvent(t, conn)
	if status.Type != protocol.EventStatus || status.Data != protocol.StatusConnected {
		t.Fatalf("Expected Connected status, got %+v", status)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"setLanguage","language":"fr"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	ack := readUntil(t, conn, protocol.EventDebug)
	if ack.Data != "Target language set to French" {
		t.Fatalf("Unexpected debug event %+v", ack)
	}

	ts.dialer.last().OnTranscript("hello")

	ev := readUntil(t, conn, protocol.EventTranscript)
	want := protocol.Event{Type: protocol.EventTranscript, Original: "hello", Translated: "fr:hello", Language: "French"}
	if ev != want {
		t.Errorf("Expected %+v, got %+v", want, ev)
	}
}

func TestWebSocketMalformedMessageKeepsConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	readEvent(t, conn)

	for _, msg := range []string{`not json`, `{"type":"dance"}`, `{"type":"setLanguage"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		ev := readEvent(t, conn)
		if ev.Type != protocol.EventDebug || !strings.HasPrefix(ev.Data, "Ignored message") {
			t.Errorf("Expected ignored-message debug event for %q, got %+v", msg, ev)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mute"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ev := readEvent(t, conn); ev.Data != "Audio muted" {
		t.Errorf("Expected mute acknowledgement, got %+v", ev)
	}
}

func TestWebSocketUnknownDevice(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	readEvent(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"setAudioDevice","deviceId":"nope"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != protocol.EventError || !strings.Contains(ev.Data, "nope") {
		t.Errorf("Expected unknown device error, got %+v", ev)
	}
	if ts.manager.Count() != 1 {
		t.Error("Session should survive an unknown device id")
	}
}

func TestWebSocketDisconnectClosesSession(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	readEvent(t, conn)

	if ts.manager.Count() != 1 {
		t.Fatalf("Expected 1 session, got %d", ts.manager.Count())
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitUntil(t, "session removal", func() bool { return ts.manager.Count() == 0 })
}

func TestWebSocketSessionLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.MaxSessions = 1 })
	first := dialWS(t, ts)
	readEvent(t, first)

	second := dialWS(t, ts)
	ev := readEvent(t, second)
	if ev.Type != protocol.EventError {
		t.Fatalf("Expected capacity error, got %+v", ev)
	}

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal closure after rejection, got %v", err)
	}
}

func TestWebSocketRejectedDuringShutdown(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.manager.Stop()

	conn := dialWS(t, ts)
	ev := readEvent(t, conn)
	if ev.Type != protocol.EventError || !strings.Contains(ev.Data, "shutting down") {
		t.Fatalf("Expected shutdown error, got %+v", ev)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal closure after rejection, got %v", err)
	}
}
