package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"autoanalysis/internal/heartbeat"
	"autoanalysis/internal/report"

	"github.com/gorilla/websocket"
)

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer("execution", "secret", nil)
	rec := get(t, s.Handler(), "/api/v1/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"role":"execution"`) {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStatus_NotFoundBeforeFirstTick(t *testing.T) {
	s := NewServer("execution", "", nil)
	if rec := get(t, s.Handler(), "/api/v1/status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestStatus_ReturnsLastPublishedTick(t *testing.T) {
	s := NewServer("execution", "", heartbeat.NewWindow(0))
	rep := report.New("execution", false)
	rep.Completed = 2
	rep.AddMessage("FAILED ->\t/jobs/J1")
	s.Publish(rep.Finish())

	rec := get(t, s.Handler(), "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got report.Tick
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != rep.ID || got.Completed != 2 || len(got.Messages) != 1 {
		t.Fatalf("got %+v", got)
	}

	if rec := get(t, s.Handler(), "/api/v1/alive", ""); rec.Code != http.StatusOK {
		t.Fatalf("alive code = %d", rec.Code)
	}
}

func TestStatus_RequiresTokenWhenSecretSet(t *testing.T) {
	s := NewServer("execution", "secret", nil)
	s.Publish(report.New("execution", false))

	if rec := get(t, s.Handler(), "/api/v1/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: code = %d", rec.Code)
	}
	bad, err := GenerateToken("other-secret", "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rec := get(t, s.Handler(), "/api/v1/status", bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: code = %d", rec.Code)
	}
	good, err := GenerateToken("secret", "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rec := get(t, s.Handler(), "/api/v1/status", good); rec.Code != http.StatusOK {
		t.Fatalf("valid token: code = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestToken_Expiry(t *testing.T) {
	token, err := GenerateToken("secret", "ops", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken("secret", token); err == nil {
		t.Fatal("expired token should be rejected")
	}
	if _, err := GenerateToken("", "ops", time.Hour); err != ErrNoSecret {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
	tok, err := GenerateToken("secret", "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ValidateToken("secret", tok)
	if err != nil || claims.Subject != "ops" {
		t.Fatalf("claims=%+v err=%v", claims, err)
	}
}

func TestWebSocket_ReceivesPublishedTicks(t *testing.T) {
	s := NewServer("execution", "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rep := report.New("execution", false)
	s.Publish(rep)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type string      `json:"type"`
		Data report.Tick `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "tick" || ev.Data.ID != rep.ID {
		t.Fatalf("event = %+v", ev)
	}
}
