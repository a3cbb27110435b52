package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/engine"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/screenshot"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/session"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/state"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/testutil"
)

const testPassword = "hunter2"

// stubEngine plays a fixed callback sequence. gate, when set, blocks the run
// until the test releases it; hang keeps the run alive until cancelled.
type stubEngine struct {
	gate   chan struct{}
	steps  []engine.Callback
	hang   bool
	result string
}

func (s *stubEngine) Run(ctx context.Context, task string, emit func(engine.Callback)) (string, error) {
	if s.gate != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.gate:
		}
	}
	for _, cb := range s.steps {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		emit(cb)
	}
	if s.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.result, nil
}

func newTestServer(t *testing.T, eng engine.Engine) (*Server, *state.Store) {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	store := state.NewStore(db)

	shotDir := t.TempDir()
	shots := &screenshot.Store{Dir: shotDir, URLPrefix: "/api/files/screenshots"}
	registry := session.NewRegistry(store, eng, shots, session.WithDrainGrace(time.Second))

	return &Server{
		Registry:            registry,
		Store:               store,
		Password:            testPassword,
		ScreenshotDir:       shotDir,
		ScreenshotURLPrefix: "/api/files/screenshots",
	}, store
}

func authedRequest(method, path string, body []byte) *http.Request {
	req := testutil.NewRequest(method, path, body)
	req.Header.Set("x-auth", testPassword)
	return req
}

func doJSON(t *testing.T, client *http.Client, req *http.Request, wantStatus int, dest any) {
	t.Helper()
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	body, err := testutil.ReadAll(resp)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status %d, want %d (body %s)", req.Method, req.URL.Path, resp.StatusCode, wantStatus, body)
	}
	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			t.Fatalf("decode body %s: %v", body, err)
		}
	}
}

func createSession(t *testing.T, client *http.Client) string {
	t.Helper()
	var created sessionResponse
	doJSON(t, client, authedRequest(http.MethodPost, "/api/sessions", nil), http.StatusCreated, &created)
	if created.ID == "" {
		t.Fatalf("expected session id")
	}
	if created.Status != state.StatusIdle {
		t.Fatalf("expected idle session, got %s", created.Status)
	}
	return created.ID
}

func waitIdle(t *testing.T, store *state.Store, sessionID string) state.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.GetSession(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status != state.StatusRunning {
			return sess.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run did not finish in time")
	return ""
}

func TestHealthUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{result: "ok"})
	client := testutil.NewInProcessClient(srv.Handler())

	var health map[string]any
	doJSON(t, client, testutil.NewRequest(http.MethodGet, "/api/health", nil), http.StatusOK, &health)
	if health["status"] != "ok" {
		t.Fatalf("unexpected health payload: %+v", health)
	}
}

func TestAuthGate(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{result: "ok"})
	client := testutil.NewInProcessClient(srv.Handler())

	doJSON(t, client, testutil.NewRequest(http.MethodPost, "/api/sessions", nil), http.StatusUnauthorized, nil)

	// Wrong token is rejected, header and query parameter both work.
	bad := testutil.NewRequest(http.MethodPost, "/api/auth/check", nil)
	bad.Header.Set("x-auth", "wrong")
	doJSON(t, client, bad, http.StatusUnauthorized, nil)

	var ok map[string]any
	doJSON(t, client, authedRequest(http.MethodPost, "/api/auth/check", nil), http.StatusOK, &ok)
	if ok["ok"] != true {
		t.Fatalf("unexpected auth check payload: %+v", ok)
	}
	doJSON(t, client, testutil.NewRequest(http.MethodPost, "/api/auth/check?auth="+testPassword, nil), http.StatusOK, nil)
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{result: "ok"})
	client := testutil.NewInProcessClient(srv.Handler())
	sessionID := createSession(t, client)

	resp, err := client.Do(authedRequest(http.MethodGet, "/api/sessions/"+sessionID, nil))
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	body, err := testutil.ReadAll(resp)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d (body %s)", resp.StatusCode, body)
	}
	// Empty histories render as arrays, never null.
	if !bytes.Contains(body, []byte(`"messages":[]`)) || !bytes.Contains(body, []byte(`"events":[]`)) {
		t.Fatalf("expected empty arrays in body: %s", body)
	}
}

func TestGetUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{result: "ok"})
	client := testutil.NewInProcessClient(srv.Handler())

	doJSON(t, client, authedRequest(http.MethodGet, "/api/sessions/nope", nil), http.StatusNotFound, nil)
}

func TestMessageValidation(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{result: "ok"})
	client := testutil.NewInProcessClient(srv.Handler())
	sessionID := createSession(t, client)

	doJSON(t, client,
		authedRequest(http.MethodPost, "/api/sessions/"+sessionID+"/messages", []byte(`{"content": "  "}`)),
		http.StatusBadRequest, nil)
	doJSON(t, client,
		authedRequest(http.MethodPost, "/api/sessions/missing/messages", []byte(`{"content": "hi"}`)),
		http.StatusNotFound, nil)
	doJSON(t, client,
		authedRequest(http.MethodPost, "/api/sessions/"+sessionID+"/messages", []byte(`{"content": "hi", "bogus": 1}`)),
		http.StatusBadRequest, nil)
}

func TestMessageStreamRoundTrip(t *testing.T) {
	gate := make(chan struct{})
	eng := &stubEngine{
		gate:   gate,
		steps:  []engine.Callback{{Kind: engine.KindTextDelta, Text: "Streaming reply"}},
		result: "Streaming reply",
	}
	srv, store := newTestServer(t, eng)
	handler := srv.Handler()
	client := testutil.NewInProcessClient(handler)
	sessionID := createSession(t, client)

	var msg state.Message
	doJSON(t, client,
		authedRequest(http.MethodPost, "/api/sessions/"+sessionID+"/messages", []byte(`{"content": "say something"}`)),
		http.StatusCreated, &msg)
	if msg.Role != state.RoleUser || msg.Content != "say something" {
		t.Fatalf("unexpected submitted message: %+v", msg)
	}

	rec := testutil.NewStreamRecorder()
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		defer rec.Close()
		handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/sessions/"+sessionID+"/stream", nil))
	}()

	reader := bufio.NewReader(rec.Body)
	preamble, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read preamble: %v", err)
	}
	if strings.TrimSpace(preamble) != ":ok" {
		t.Fatalf("unexpected preamble: %q", preamble)
	}

	// The stream is attached; let the engine run.
	close(gate)

	var types []string
	var lastData map[string]any
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode sse payload %q: %v", line, err)
		}
		types = append(types, evt.Type)
		lastData = evt.Data
	}
	<-streamDone

	if len(types) != 2 || types[0] != "token" || types[1] != "done" {
		t.Fatalf("unexpected event sequence: %v", types)
	}
	if lastData["result"] != "Streaming reply" {
		t.Fatalf("unexpected done payload: %+v", lastData)
	}

	if status := waitIdle(t, store, sessionID); status != state.StatusIdle {
		t.Fatalf("expected idle after run, got %s", status)
	}
}

func TestStreamWithoutActiveRun(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{result: "ok"})
	client := testutil.NewInProcessClient(srv.Handler())
	sessionID := createSession(t, client)

	doJSON(t, client, authedRequest(http.MethodGet, "/api/sessions/"+sessionID+"/stream", nil), http.StatusNotFound, nil)
}

func TestMessageConflictAndCancel(t *testing.T) {
	srv, store := newTestServer(t, &stubEngine{hang: true})
	client := testutil.NewInProcessClient(srv.Handler())
	sessionID := createSession(t, client)

	doJSON(t, client,
		authedRequest(http.MethodPost, "/api/sessions/"+sessionID+"/messages", []byte(`{"content": "first"}`)),
		http.StatusCreated, nil)
	doJSON(t, client,
		authedRequest(http.MethodPost, "/api/sessions/"+sessionID+"/messages", []byte(`{"content": "second"}`)),
		http.StatusConflict, nil)

	var cancelled map[string]any
	doJSON(t, client, authedRequest(http.MethodDelete, "/api/sessions/"+sessionID, nil), http.StatusOK, &cancelled)
	if cancelled["ok"] != true || cancelled["session_id"] != sessionID {
		t.Fatalf("unexpected cancel payload: %+v", cancelled)
	}

	if status := waitIdle(t, store, sessionID); status != state.StatusIdle {
		t.Fatalf("cancelled run must settle to idle, got %s", status)
	}

	// Cancelling again with nothing running still succeeds.
	doJSON(t, client, authedRequest(http.MethodDelete, "/api/sessions/"+sessionID, nil), http.StatusOK, nil)
	doJSON(t, client, authedRequest(http.MethodDelete, "/api/sessions/missing", nil), http.StatusNotFound, nil)
}

func TestToolRunDurability(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("png bytes"))
	eng := &stubEngine{
		steps: []engine.Callback{
			{Kind: engine.KindToolStart, Name: "browser_navigate", CallID: "c1", Input: map[string]any{"url": "https://example.com"}},
			{Kind: engine.KindToolEnd, Name: "browser_navigate", CallID: "c1", Output: map[string]any{"title": "Example"}, URL: "https://example.com", Screenshot: raw},
			{Kind: engine.KindTextDelta, Text: "Visited the page."},
		},
		result: "Visited the page.",
	}
	srv, store := newTestServer(t, eng)
	client := testutil.NewInProcessClient(srv.Handler())
	sessionID := createSession(t, client)

	doJSON(t, client,
		authedRequest(http.MethodPost, "/api/sessions/"+sessionID+"/messages", []byte(`{"content": "visit example.com"}`)),
		http.StatusCreated, nil)
	waitIdle(t, store, sessionID)

	var records []state.EventRecord
	doJSON(t, client, authedRequest(http.MethodGet, "/api/sessions/"+sessionID+"/events", nil), http.StatusOK, &records)
	if len(records) != 2 || records[0].Type != "tool_end" || records[1].Type != "done" {
		t.Fatalf("unexpected event records: %+v", records)
	}
	ref, _ := records[0].Data["screenshot_ref"].(string)
	if ref == "" {
		t.Fatalf("expected screenshot ref in tool_end record: %+v", records[0].Data)
	}

	var detail sessionResponse
	doJSON(t, client, authedRequest(http.MethodGet, "/api/sessions/"+sessionID, nil), http.StatusOK, &detail)
	if len(detail.Messages) != 3 {
		t.Fatalf("expected user, tool and assistant messages: %+v", detail.Messages)
	}
	if detail.Messages[1].Role != state.RoleTool || detail.Messages[1].Meta["screenshot"] != ref {
		t.Fatalf("unexpected tool message: %+v", detail.Messages[1])
	}

	// The referenced screenshot is retrievable without auth.
	resp, err := client.Do(testutil.NewRequest(http.MethodGet, ref, nil))
	if err != nil {
		t.Fatalf("fetch screenshot: %v", err)
	}
	body, err := testutil.ReadAll(resp)
	if err != nil {
		t.Fatalf("read screenshot: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(body) != "png bytes" {
		t.Fatalf("screenshot fetch failed: status %d body %q", resp.StatusCode, body)
	}
}

func TestSessionDetailStableAcrossReads(t *testing.T) {
	eng := &stubEngine{
		steps:  []engine.Callback{{Kind: engine.KindTextDelta, Text: "stable"}},
		result: "stable",
	}
	srv, store := newTestServer(t, eng)
	client := testutil.NewInProcessClient(srv.Handler())
	sessionID := createSession(t, client)

	doJSON(t, client,
		authedRequest(http.MethodPost, "/api/sessions/"+sessionID+"/messages", []byte(`{"content": "go"}`)),
		http.StatusCreated, nil)
	waitIdle(t, store, sessionID)

	read := func() []byte {
		resp, err := client.Do(authedRequest(http.MethodGet, "/api/sessions/"+sessionID, nil))
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		body, err := testutil.ReadAll(resp)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		return body
	}
	if first, second := read(), read(); !bytes.Equal(first, second) {
		t.Fatalf("session detail changed between reads:\n%s\n%s", first, second)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{result: "ok"})
	client := testutil.NewInProcessClient(srv.Handler())

	resp, err := client.Do(testutil.NewRequest(http.MethodOptions, "/api/sessions", nil))
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS headers: %+v", resp.Header)
	}
}
