package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/danmuck/panopticon/internal/access"
	"github.com/danmuck/panopticon/internal/auth"
	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/panopticon"
	"github.com/danmuck/panopticon/internal/store"
	"github.com/danmuck/panopticon/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type fixture struct {
	srv    *Server
	ctrl   *access.Controller
	bus    *events.Broadcaster
	device panopticon.Device
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, Config{})
}

func newFixtureWith(t *testing.T, cfg Config) *fixture {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	db, err := store.Open(filepath.Join(t.TempDir(), "admin.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	device, err := db.CreateDevice(ctx, "front door", "front-secret")
	if err != nil {
		t.Fatalf("create device: %v", err)
	}

	bus := events.NewBroadcaster(events.DefaultConfig())
	ctrl := access.NewController(access.Config{}, db, bus, nil)
	if err := ctrl.Load(ctx); err != nil {
		t.Fatalf("load controller: %v", err)
	}
	reg := panopticon.NewRegistry(db, bus)
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	svc := panopticon.NewService(panopticon.DefaultServiceConfig(), reg, ctrl, db, bus)

	tokens, err := auth.NewAdminTokens("admin-signing-key", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	token, err := tokens.Issue("operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	srv := NewServer(cfg, Deps{Access: ctrl, Devices: svc, Events: bus, Tokens: tokens})
	return &fixture{srv: srv, ctrl: ctrl, bus: bus, device: device, token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["mode"] != "guard" {
		t.Fatalf("unexpected health: %v", body)
	}

	rec = f.do(t, http.MethodGet, "/metrics", nil, false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "panopticon_") {
		t.Fatalf("metrics status=%d", rec.Code)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/api/mode", nil, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/mode", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/mode", nil, true); rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rec.Code)
	}
}

func TestModeAndEnrollFlow(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodPost, "/api/mode", map[string]string{"mode": "lockdown"}, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid mode status = %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/mode", map[string]string{"mode": "enroll"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("set mode status = %d body=%s", rec.Code, rec.Body.String())
	}
	if body := decode[map[string]any](t, rec); body["changed"] != true {
		t.Fatalf("expected changed=true, got %v", body)
	}
	rec = f.do(t, http.MethodPost, "/api/mode", map[string]string{"mode": "enroll"}, true)
	if body := decode[map[string]any](t, rec); body["changed"] != false {
		t.Fatalf("expected changed=false, got %v", body)
	}

	scan := map[string]string{"tag_id": "80:00:48:23:4C", "secret": "front-secret"}
	rec = f.do(t, http.MethodPost, "/api/sentinel/scan", scan, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("device scan status = %d body=%s", rec.Code, rec.Body.String())
	}
	if body := decode[map[string]any](t, rec); body["action"] != "enrolled" || body["created"] != true {
		t.Fatalf("unexpected scan result: %v", body)
	}

	cards := decode[struct {
		Cards []access.Card `json:"cards"`
	}](t, f.do(t, http.MethodGet, "/api/cards", nil, true)).Cards
	if len(cards) != 1 || cards[0].TagID.String() != "80:00:48:23:4C" {
		t.Fatalf("unexpected cards: %+v", cards)
	}

	rec = f.do(t, http.MethodPatch, "/api/cards/"+cards[0].ID, map[string]string{"label": "front desk"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("label status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPatch, "/api/cards/missing", map[string]string{"label": "x"}, true); rec.Code != http.StatusNotFound {
		t.Fatalf("label missing status = %d", rec.Code)
	}

	scans := decode[struct {
		Scans []access.ScanEvent `json:"scans"`
	}](t, f.do(t, http.MethodGet, "/api/scan-log?limit=10", nil, true)).Scans
	if len(scans) != 1 || scans[0].Action != access.ActionEnrolled {
		t.Fatalf("unexpected scan log: %+v", scans)
	}
	if rec := f.do(t, http.MethodGet, "/api/scan-log?limit=-1", nil, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/cards/"+cards[0].ID, nil, true); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/cards/"+cards[0].ID, nil, true); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestDeviceScanRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sentinel/scan", map[string]string{"tag_id": "80:00:48:23:4C", "secret": "nope"}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/sentinel/scan", map[string]string{"tag_id": "80:00:48:23", "secret": "front-secret"}, false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad tag status = %d", rec.Code)
	}
	scans, err := f.ctrl.ListScans(context.Background(), 10)
	if err != nil {
		t.Fatalf("list scans: %v", err)
	}
	if len(scans) != 0 {
		t.Fatalf("expected no scan events, got %+v", scans)
	}
}

func TestSentinelRoutes(t *testing.T) {
	f := newFixture(t)

	list := decode[struct {
		Sentinels []panopticon.SessionInfo `json:"sentinels"`
	}](t, f.do(t, http.MethodGet, "/api/sentinels", nil, true)).Sentinels
	if len(list) != 1 || list[0].ID != f.device.ID || list[0].Connected {
		t.Fatalf("unexpected sentinels: %+v", list)
	}
	if strings.Contains(f.do(t, http.MethodGet, "/api/sentinels", nil, true).Body.String(), "front-secret") {
		t.Fatalf("secret leaked in sentinel listing")
	}

	if rec := f.do(t, http.MethodGet, "/api/sentinels/"+f.device.ID+"/logs", nil, true); rec.Code != http.StatusOK {
		t.Fatalf("logs status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/sentinels/missing/logs", nil, true); rec.Code != http.StatusNotFound {
		t.Fatalf("missing logs status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/sentinels/"+f.device.ID+"/session", nil, true); rec.Code != http.StatusConflict {
		t.Fatalf("disconnect idle status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/sentinels/missing/session", nil, true); rec.Code != http.StatusNotFound {
		t.Fatalf("disconnect missing status = %d", rec.Code)
	}
}

func TestEventFeedStreamsJSON(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatalf("expected unauthenticated upgrade to fail")
	}

	conn, _, err := websocket.Dial(ctx, wsURL+"?token="+f.token, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for f.bus.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := f.ctrl.SetMode(ctx, access.ModeEnroll); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	var msg struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read feed: %v", err)
	}
	if msg.Type != "mode_changed" || msg.Data["mode"] != "enroll" {
		t.Fatalf("unexpected feed message: %+v", msg)
	}
}

const utecNotification = `{
  "header": {"namespace": "Uhome.Device", "name": "Notification", "messageId": "m-1", "payloadVersion": "1"},
  "payload": {"devices": [
    {"id": "lock-1", "states": [
      {"capability": "st.healthCheck", "name": "status", "value": "online"},
      {"capability": "st.lock", "name": "lockState", "value": "Unlocked"}
    ]},
    {"id": "bridge-1", "states": [{"capability": "st.healthCheck", "name": "status", "value": "online"}]}
  ]}
}`

func TestLockWebhookRepublishesLockState(t *testing.T) {
	if rec := newFixture(t).do(t, http.MethodPost, "/api/webhooks/utec?access_token=x", nil, false); rec.Code != http.StatusNotFound {
		t.Fatalf("webhook without token configured status = %d", rec.Code)
	}

	f := newFixtureWith(t, Config{LockWebhookToken: "hook-token"})
	sub := f.bus.Subscribe()
	defer sub.Close()
	published := f.bus.Published()

	post := func(query, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/utec"+query, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := post("", utecNotification); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	if rec := post("?access_token=wrong", utecNotification); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rec.Code)
	}
	if rec := post("?access_token=hook-token", `{"header": {}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing payload status = %d", rec.Code)
	}
	if n := f.bus.Published() - published; n != 0 {
		t.Fatalf("rejected notifications published %d events", n)
	}

	rec := post("?access_token=hook-token", utecNotification)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d body=%s", rec.Code, rec.Body.String())
	}
	if body := decode[map[string]int](t, rec); body["locks"] != 1 {
		t.Fatalf("unexpected webhook response: %v", body)
	}
	select {
	case ev := <-sub.Events():
		res, ok := ev.Data.(events.LockResultData)
		if ev.Type != events.KindLockResult || !ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if res.LockID != "lock-1" || res.State != "unlocked" || !res.OK || res.TagID != "" {
			t.Fatalf("unexpected lock result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected lock_result event")
	}
}
