package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"mikuai/internal/auth"
	"mikuai/internal/config"
	"mikuai/internal/events"
	"mikuai/internal/models"
	"mikuai/internal/service/history"
	"mikuai/internal/service/persona"
	"mikuai/internal/storage"
	"mikuai/internal/worker"
)

type stubBackend struct {
	reply   string
	err     error
	release chan struct{}
}

func (s *stubBackend) Ask(ctx context.Context, prompt string) (string, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.reply + " " + prompt, nil
}

type testServer struct {
	router  *gin.Engine
	db      *sql.DB
	hub     *events.Hub
	manager *worker.Manager
	handler *Handler
}

func newTestServer(t *testing.T, backend worker.Backend, token string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Databases["sqlite3"] = config.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "api.db")}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	hub := events.NewHub(16, nil)
	manager := worker.NewManager(history.NewService(db), worker.Options{
		Backend:  backend,
		Listener: hub,
		Picker:   persona.NewPicker(7),
	})
	manager.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Stop(ctx)
		db.Close()
	})

	handler := NewHandler(manager, hub, auth.NewGuard(token), nil)
	router := NewRouter(nil)
	handler.RegisterRoutes(router)
	return &testServer{router: router, db: db, hub: hub, manager: manager, handler: handler}
}

func (s *testServer) createSession(t *testing.T, name string) int64 {
	t.Helper()
	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/sessions", map[string]string{"name": name}, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body models.ChatSession
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.ID <= 0 {
		t.Fatalf("expected positive session id")
	}
	return body.ID
}

func waitForEvent(t *testing.T, sub *events.Subscription, eventType string) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t, &stubBackend{reply: "pong"}, "")
	sessionID := srv.createSession(t, "first chat")

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions", nil, nil)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Sessions []models.ChatSession `json:"sessions"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Sessions) != 1 || listBody.Sessions[0].Name != "first chat" {
		t.Fatalf("unexpected session list: %#v", listBody.Sessions)
	}

	sub := srv.hub.Subscribe()
	defer sub.Close()

	sendResp := doJSONRequest(t, srv.router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%d/messages", sessionID),
		map[string]string{"content": "hello miku"}, nil)
	assertStatus(t, sendResp, http.StatusAccepted)
	var sendBody struct {
		Message models.Message `json:"message"`
	}
	decodeJSON(t, sendResp.Body.Bytes(), &sendBody)
	if sendBody.Message.Body != "hello miku" || sendBody.Message.Sender != models.SenderUser {
		t.Fatalf("unexpected user message: %#v", sendBody.Message)
	}

	reply := waitForEvent(t, sub, events.TypeAssistantMessage)
	if !strings.Contains(reply.Text, "pong hello miku") {
		t.Fatalf("reply does not embed backend output: %q", reply.Text)
	}
	waitForEvent(t, sub, events.TypeIdle)

	stateResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/sessions/%d/state", sessionID), nil, nil)
	assertStatus(t, stateResp, http.StatusOK)
	if !strings.Contains(stateResp.Body.String(), `"idle"`) || strings.Contains(stateResp.Body.String(), "placeholder") {
		t.Fatalf("expected idle state, got %s", stateResp.Body.String())
	}

	msgResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/sessions/%d/messages", sessionID), nil, nil)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 2 || msgBody.Messages[1].Sender != models.SenderAssistant {
		t.Fatalf("unexpected messages: %#v", msgBody.Messages)
	}

	exportResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/sessions/%d/export?format=json", sessionID), nil, nil)
	assertStatus(t, exportResp, http.StatusOK)
	if ct := exportResp.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(exportResp.Header().Get("Content-Disposition"), ".json") {
		t.Fatalf("missing attachment name: %q", exportResp.Header().Get("Content-Disposition"))
	}
	var exported struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, exportResp.Body.Bytes(), &exported)
	if len(exported.Messages) != 2 {
		t.Fatalf("export missing messages: %s", exportResp.Body.String())
	}
}

func TestSendMessageValidation(t *testing.T) {
	backend := &stubBackend{reply: "ok", release: make(chan struct{})}
	srv := newTestServer(t, backend, "")
	sessionID := srv.createSession(t, "v")
	path := fmt.Sprintf("/api/sessions/%d/messages", sessionID)

	resp := doJSONRequest(t, srv.router, http.MethodPost, path, map[string]string{"content": "   "}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/abc/messages", map[string]string{"content": "x"}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/9999/messages", map[string]string{"content": "x"}, nil)
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, srv.router, http.MethodPost, path, map[string]string{"content": "first"}, nil)
	assertStatus(t, resp, http.StatusAccepted)
	resp = doJSONRequest(t, srv.router, http.MethodPost, path, map[string]string{"content": "second"}, nil)
	assertStatus(t, resp, http.StatusConflict)

	stateResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/sessions/%d/state", sessionID), nil, nil)
	var state struct {
		State       string `json:"state"`
		Listening   bool   `json:"listening"`
		Placeholder string `json:"placeholder"`
	}
	if err := json.Unmarshal(stateResp.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.State != "awaiting_response" || state.Placeholder != persona.Thinking || state.Listening {
		t.Fatalf("unexpected awaiting state: %+v", state)
	}
	close(backend.release)
}

func TestSendWithoutBackend(t *testing.T) {
	srv := newTestServer(t, nil, "")
	sessionID := srv.createSession(t, "offline")
	resp := doJSONRequest(t, srv.router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%d/messages", sessionID), map[string]string{"content": "hi"}, nil)
	assertStatus(t, resp, http.StatusServiceUnavailable)
}

func TestRenameAndDeleteSession(t *testing.T) {
	srv := newTestServer(t, &stubBackend{reply: "ok"}, "")
	sessionID := srv.createSession(t, "old")
	path := fmt.Sprintf("/api/sessions/%d", sessionID)

	resp := doJSONRequest(t, srv.router, http.MethodPatch, path, map[string]string{"name": " "}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPatch, path, map[string]string{"name": "new"}, nil)
	assertStatus(t, resp, http.StatusNoContent)
	resp = doJSONRequest(t, srv.router, http.MethodPatch, "/api/sessions/4242", map[string]string{"name": "ghost"}, nil)
	assertStatus(t, resp, http.StatusNoContent)

	resp = doJSONRequest(t, srv.router, http.MethodDelete, path, nil, nil)
	assertStatus(t, resp, http.StatusNoContent)
	resp = doJSONRequest(t, srv.router, http.MethodDelete, path, nil, nil)
	assertStatus(t, resp, http.StatusNoContent)

	resp = doJSONRequest(t, srv.router, http.MethodGet, path+"/messages", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"messages":[]`) {
		t.Fatalf("expected empty messages, got %s", resp.Body.String())
	}
	resp = doJSONRequest(t, srv.router, http.MethodGet, path+"/export", nil, nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestCreateSessionDefaultName(t *testing.T) {
	srv := newTestServer(t, nil, "")
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions", nil, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body models.ChatSession
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !strings.HasPrefix(body.Name, "Chat ") {
		t.Fatalf("unexpected default name %q", body.Name)
	}
}

func TestReadFailuresDegrade(t *testing.T) {
	srv := newTestServer(t, nil, "")
	srv.createSession(t, "doomed")
	srv.db.Close()

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Sessions []models.ChatSession `json:"sessions"`
		Error    string               `json:"error"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Sessions) != 0 || body.Error == "" {
		t.Fatalf("expected empty list with error, got %s", resp.Body.String())
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions", map[string]string{"name": "x"}, nil)
	assertStatus(t, resp, http.StatusInternalServerError)
}

func TestVoiceWithoutRecognizer(t *testing.T) {
	srv := newTestServer(t, nil, "")
	sub := srv.hub.Subscribe()
	defer sub.Close()

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/voice", nil, nil)
	assertStatus(t, resp, http.StatusAccepted)
	ev := waitForEvent(t, sub, events.TypeVoiceResult)
	if ev.Error == "" || ev.Message == "" {
		t.Fatalf("expected failed voice result, got %#v", ev)
	}
}

func TestEventStream(t *testing.T) {
	srv := newTestServer(t, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.router.ServeHTTP(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.hub.OnBusy(3)
	srv.hub.OnAssistantMessage(3, "hi there")
	srv.hub.OnIdle(3)

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	evts := parseSSE(t, rec.Body.String())
	if len(evts) != 3 {
		t.Fatalf("expected 3 events, got %#v", evts)
	}
	if evts[0].Name != events.TypeBusy || evts[1].Name != events.TypeAssistantMessage || evts[2].Name != events.TypeIdle {
		t.Fatalf("unexpected SSE sequence: %#v", evts)
	}
	if !strings.Contains(evts[1].Data, "hi there") {
		t.Fatalf("missing payload: %s", evts[1].Data)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestAuthGuard(t *testing.T) {
	srv := newTestServer(t, nil, "secret")

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/health", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"event_subscribers":0`) {
		t.Fatalf("unexpected health body %s", resp.Body.String())
	}

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions", nil, map[string]string{"Authorization": "Bearer secret"})
	assertStatus(t, resp, http.StatusOK)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		worker.ErrEmptyMessage:                              http.StatusBadRequest,
		history.ErrEmptyName:                                http.StatusBadRequest,
		&models.NotFoundError{Resource: "s", ID: 1}:         http.StatusNotFound,
		worker.ErrBusy:                                      http.StatusConflict,
		worker.ErrBackendUnavailable:                        http.StatusServiceUnavailable,
		worker.ErrStopped:                                   http.StatusServiceUnavailable,
		context.DeadlineExceeded:                            http.StatusRequestTimeout,
		&models.StorageError{Op: "x", Err: sql.ErrConnDone}: http.StatusInternalServerError,
		errors.New("boom"):                                  http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	var out []sseEvent
	for _, chunk := range strings.Split(payload, "\n\n") {
		var evt sseEvent
		for _, line := range strings.Split(strings.TrimSpace(chunk), "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				evt.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		if evt.Name != "" {
			out = append(out, evt)
		}
	}
	return out
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
