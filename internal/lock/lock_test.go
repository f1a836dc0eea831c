package lock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/danmuck/panopticon/internal/testutil/testlog"
)

type fakeAPI struct {
	mu       sync.Mutex
	calls    []apiRequest
	unlockOK bool
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Header  requestHeader   `json:"header"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, apiRequest{Header: req.Header, Payload: req.Payload})
		unlockOK := f.unlockOK
		f.mu.Unlock()

		resp := map[string]any{"header": req.Header}
		switch req.Header.Name {
		case "List":
			resp["payload"] = map[string]any{"devices": []Device{{ID: "lock-1", Name: "Front"}, {ID: "lock-2", Name: "Back"}}}
		case "Unlock":
			if unlockOK {
				resp["payload"] = map[string]any{}
			} else {
				resp["payload"] = map[string]any{"error": APIError{Code: "DEVICE_OFFLINE", Message: "lock offline"}}
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type recordingPublisher struct {
	ch chan events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) { p.ch <- ev }

func TestUTecClientEnvelope(t *testing.T) {
	testlog.Start(t)
	api := &fakeAPI{unlockOK: true}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c, err := NewUTecClient(UTecConfig{APIURL: srv.URL, AccessToken: "tok"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	locks, err := c.ListLocks(context.Background())
	if err != nil || len(locks) != 2 || locks[0].ID != "lock-1" {
		t.Fatalf("locks=%+v err=%v", locks, err)
	}
	if err := c.Unlock(context.Background(), "lock-1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 2 {
		t.Fatalf("calls=%d", len(api.calls))
	}
	h := api.calls[1].Header
	if h.Namespace != "Uhome.Device" || h.Name != "Unlock" || h.PayloadVersion != "1" || h.MessageID == "" {
		t.Fatalf("unexpected header %+v", h)
	}
	if api.calls[0].Header.MessageID == h.MessageID {
		t.Fatalf("message ids must be unique")
	}
	var payload deviceRequest
	if err := json.Unmarshal(api.calls[1].Payload.(json.RawMessage), &payload); err != nil || payload.DeviceID != "lock-1" {
		t.Fatalf("payload=%+v err=%v", payload, err)
	}
}

func TestUTecClientErrors(t *testing.T) {
	testlog.Start(t)
	api := &fakeAPI{unlockOK: false}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c, _ := NewUTecClient(UTecConfig{APIURL: srv.URL, AccessToken: "tok"})
	var apiErr *APIError
	if err := c.Unlock(context.Background(), "lock-1"); !errors.As(err, &apiErr) || apiErr.Code != "DEVICE_OFFLINE" {
		t.Fatalf("expected api error, got %v", err)
	}

	bad, _ := NewUTecClient(UTecConfig{APIURL: srv.URL, AccessToken: "wrong"})
	if err := bad.Unlock(context.Background(), "lock-1"); !errors.Is(err, ErrHTTPStatus) {
		t.Fatalf("expected ErrHTTPStatus, got %v", err)
	}
	if _, err := NewUTecClient(UTecConfig{}); !errors.Is(err, ErrAccessTokenRequired) {
		t.Fatalf("expected ErrAccessTokenRequired, got %v", err)
	}
}

func TestActuatorDiscoversLockAndPublishesResult(t *testing.T) {
	testlog.Start(t)
	api := &fakeAPI{unlockOK: true}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()
	c, _ := NewUTecClient(UTecConfig{APIURL: srv.URL, AccessToken: "tok"})

	pub := &recordingPublisher{ch: make(chan events.Event, 4)}
	a := NewActuator(ActuatorConfig{}, c, pub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	tag := rfid.TagID{0x80, 0x00, 0x48, 0x23, 0x4C}
	if !a.RequestUnlock(tag) {
		t.Fatalf("request dropped")
	}
	select {
	case ev := <-pub.ch:
		res := ev.Data.(events.LockResultData)
		if ev.Type != events.KindLockResult || !res.OK || res.LockID != "lock-1" || res.TagID != tag.String() {
			t.Fatalf("unexpected result %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for lock result")
	}
}

type blockingUnlocker struct {
	release chan struct{}
}

func (b *blockingUnlocker) Unlock(ctx context.Context, _ string) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestActuatorDropsWhenQueueFull(t *testing.T) {
	testlog.Start(t)
	blocker := &blockingUnlocker{release: make(chan struct{})}
	a := NewActuator(ActuatorConfig{LockID: "lock-1", QueueSize: 2}, blocker, nil)

	tag := rfid.TagID{1, 2, 3, 4, 5}
	// No worker running: the queue fills and further requests return at once.
	start := time.Now()
	results := []bool{a.RequestUnlock(tag), a.RequestUnlock(tag), a.RequestUnlock(tag)}
	if time.Since(start) > time.Second {
		t.Fatalf("RequestUnlock blocked")
	}
	if !results[0] || !results[1] || results[2] {
		t.Fatalf("unexpected enqueue results %v", results)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	close(blocker.release)
	cancel()
	<-done
	if a.RequestUnlock(tag) {
		t.Fatalf("closed actuator accepted a request")
	}
}

func TestParseNotificationExtractsLockState(t *testing.T) {
	testlog.Start(t)
	body := []byte(`{
		"header": {"namespace": "Uhome.Device", "name": "Notification"},
		"payload": {"devices": [
			{"id": "lock-1", "states": [
				{"capability": "st.batteryLevel", "name": "level", "value": 3},
				{"capability": "st.lock", "name": "lockState", "value": " Locked "}
			]},
			{"id": "lock-2", "states": [{"capability": "st.lock", "name": "lockState", "value": 1}]},
			{"id": "", "states": [{"capability": "st.lock", "name": "lockState", "value": "unlocked"}]},
			{"id": "lock-3", "states": []}
		]}
	}`)
	changes, err := ParseNotification(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(changes) != 1 || changes[0] != (StateChange{LockID: "lock-1", State: "locked"}) {
		t.Fatalf("unexpected changes: %+v", changes)
	}

	for _, bad := range []string{`not json`, `{"header": {}}`, `{"payload": {"devices": "x"}}`} {
		if _, err := ParseNotification([]byte(bad)); !errors.Is(err, ErrInvalidNotification) {
			t.Fatalf("%q: expected ErrInvalidNotification, got %v", bad, err)
		}
	}
	if changes, err := ParseNotification([]byte(`{"payload": {"devices": []}}`)); err != nil || len(changes) != 0 {
		t.Fatalf("empty device list: changes=%v err=%v", changes, err)
	}
}
