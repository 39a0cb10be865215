package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edoblanco/codesmith/internal/config"
	"github.com/edoblanco/codesmith/internal/pipeline"
	"github.com/edoblanco/codesmith/internal/realtime"
	"github.com/edoblanco/codesmith/internal/synth"
	"github.com/edoblanco/codesmith/internal/tasks"
	"github.com/edoblanco/codesmith/internal/verify"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message"`
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, *realtime.Hub) {
	t.Helper()

	cfg := config.Config{
		SharedSecret:   secret,
		AllowAnyOrigin: true,
	}
	store := tasks.NewMemoryStore()
	pers := tasks.NewPersistence(store, tasks.PersistenceConfig{
		BaseDelay:         time.Millisecond,
		SaveMaxAttempts:   3,
		DeleteMaxAttempts: 15,
	}, zerolog.Nop())
	hub := realtime.NewHub(realtime.Config{
		DebounceWindow: 10 * time.Millisecond,
		DedupWindow:    time.Minute,
		RateWindow:     time.Minute,
		RateLimit:      50,
	}, nil, zerolog.Nop())

	ctrl := pipeline.NewController(pipeline.Config{
		StagingRoot:    t.TempDir(),
		ApplyRoot:      t.TempDir(),
		RetryBaseDelay: time.Millisecond,
	}, pers, tasks.NewDedupLedger(time.Hour), synth.NewKeywordParser(), synth.NewTemplateGenerator(), verify.NewMockRunner(), hub, nil, zerolog.Nop())
	// Run processing inline so requests observe the finished pipeline.
	ctrl.SetAsyncRunner(func(fn func()) { fn() })

	srv := New(cfg, ctrl, hub, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, hub
}

func doRequest(t *testing.T, method, url, body, bearer string) (int, apiEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, env
}

func TestSubmitThenGetTask(t *testing.T) {
	ts, _ := newTestServer(t, "")

	status, env := doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"taskId":"t-1","prompt":"Build CRM system"}`, "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("submit status=%d success=%v message=%q", status, env.Success, env.Message)
	}

	status, env = doRequest(t, http.MethodGet, ts.URL+"/v1/tasks/t-1", "", "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("get status=%d success=%v message=%q", status, env.Success, env.Message)
	}
	var task tasks.Task
	if err := json.Unmarshal(env.Result, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status != tasks.TaskStatusPendingApproval {
		t.Fatalf("task status = %s, want pending_approval (error: %s)", task.Status, task.Error)
	}
	if len(task.StagedFiles) == 0 {
		t.Fatalf("staged files empty")
	}
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	ts, _ := newTestServer(t, "")
	status, env := doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"prompt":"  "}`, "")
	if status != http.StatusBadRequest || env.Success {
		t.Fatalf("status=%d success=%v, want 400 failure", status, env.Success)
	}
}

func TestGetMissingTaskIs404(t *testing.T) {
	ts, _ := newTestServer(t, "")
	status, env := doRequest(t, http.MethodGet, ts.URL+"/v1/tasks/nope", "", "")
	if status != http.StatusNotFound || env.Success {
		t.Fatalf("status=%d success=%v, want 404 failure", status, env.Success)
	}
	if env.Message == "" {
		t.Fatalf("message empty on error envelope")
	}
}

func TestSharedSecretGuardsMutatingRoutes(t *testing.T) {
	ts, _ := newTestServer(t, "sesame")

	status, _ := doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"prompt":"Build CRM system"}`, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated submit status = %d, want 401", status)
	}
	status, _ = doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"prompt":"Build CRM system"}`, "wrong")
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong-token submit status = %d, want 401", status)
	}
	status, env := doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"taskId":"t-s","prompt":"Build CRM system"}`, "sesame")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("authenticated submit status=%d success=%v", status, env.Success)
	}

	// Reads stay open.
	status, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/tasks/t-s", "", "")
	if status != http.StatusOK {
		t.Fatalf("unauthenticated read status = %d, want 200", status)
	}
}

func TestProposalApprovalAndApplyFlow(t *testing.T) {
	ts, _ := newTestServer(t, "")

	status, _ := doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"taskId":"t-w","prompt":"Add a crypto wallet to the portal"}`, "")
	if status != http.StatusOK {
		t.Fatalf("submit status = %d", status)
	}

	status, env := doRequest(t, http.MethodGet, ts.URL+"/v1/tasks/t-w/proposals", "", "")
	if status != http.StatusOK {
		t.Fatalf("proposals status = %d", status)
	}
	var listed struct {
		Proposals []tasks.Proposal `json:"proposals"`
	}
	if err := json.Unmarshal(env.Result, &listed); err != nil {
		t.Fatalf("decode proposals: %v", err)
	}
	if len(listed.Proposals) != 1 {
		t.Fatalf("proposals = %d, want 1", len(listed.Proposals))
	}

	status, env = doRequest(t, http.MethodPost, ts.URL+"/v1/proposals/"+listed.Proposals[0].ID+"/approve", "", "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("approve status=%d success=%v message=%q", status, env.Success, env.Message)
	}

	status, env = doRequest(t, http.MethodPost, ts.URL+"/v1/tasks/t-w/apply", "", "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("apply status=%d success=%v message=%q", status, env.Success, env.Message)
	}
	var task tasks.Task
	if err := json.Unmarshal(env.Result, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status != tasks.TaskStatusApplied {
		t.Fatalf("task status = %s, want applied", task.Status)
	}
}

func TestRollbackEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "")

	doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"taskId":"t-r","prompt":"Build CRM system"}`, "")
	status, env := doRequest(t, http.MethodPost, ts.URL+"/v1/tasks/t-r/rollback", "", "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("rollback status=%d success=%v message=%q", status, env.Success, env.Message)
	}
	var task tasks.Task
	if err := json.Unmarshal(env.Result, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status != tasks.TaskStatusDenied {
		t.Fatalf("task status = %s, want denied", task.Status)
	}
}

func TestDeleteTaskEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "")

	doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"taskId":"t-d","prompt":"Build CRM system"}`, "")
	status, env := doRequest(t, http.MethodDelete, ts.URL+"/v1/tasks/t-d", "", "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("delete status=%d success=%v", status, env.Success)
	}
	status, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/tasks/t-d", "", "")
	if status != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", status)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "")

	doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"taskId":"t-v","prompt":"Build CRM system"}`, "")
	status, env := doRequest(t, http.MethodPost, ts.URL+"/v1/tasks/t-v/verify", `{"headed":false}`, "")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("verify status=%d success=%v message=%q", status, env.Success, env.Message)
	}
	var result verify.Result
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success {
		t.Fatalf("verification result = %+v, want success", result)
	}
}

func TestWebSocketServerPingsIdleClients(t *testing.T) {
	old := wsPingInterval
	wsPingInterval = 50 * time.Millisecond
	t.Cleanup(func() { wsPingInterval = old })

	ts, _ := newTestServer(t, "")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws?client_id=c-ping"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(data string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	// Control frames are processed inside reads.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never pinged an idle listener")
	}
}

func TestWebSocketReceivesTaskUpdates(t *testing.T) {
	ts, hub := newTestServer(t, "")

	inbound := make(chan any, 1)
	hub.SetInboundHandler(func(clientID string, msg any) {
		select {
		case inbound <- msg:
		default:
		}
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws?client_id=c-test"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The server registers the listener shortly after the handshake.
	deadline := time.Now().Add(2 * time.Second)
	for !hub.Connected("c-test") {
		if time.Now().After(deadline) {
			t.Fatalf("listener never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	doRequest(t, http.MethodPost, ts.URL+"/v1/tasks", `{"taskId":"t-ws","prompt":"Build CRM system"}`, "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type    string `json:"type"`
		TaskID  string `json:"taskId"`
		Status  string `json:"status"`
		EventID string `json:"eventId"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "taskUpdate" || got.TaskID != "t-ws" {
		t.Fatalf("first event = %+v, want a taskUpdate for t-ws", got)
	}
	if got.EventID == "" {
		t.Fatalf("event missing eventId")
	}

	// Client-originated feedback reaches the inbound handler.
	feedback := `{"type":"feedback","message":"ship it","color":"green","eventId":"fb-1"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(feedback)); err != nil {
		t.Fatalf("write feedback: %v", err)
	}
	select {
	case <-inbound:
	case <-time.After(2 * time.Second):
		t.Fatalf("feedback never reached the inbound handler")
	}
}
