package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/acgodson/autonomify-sub000/internal/agent"
	"github.com/acgodson/autonomify-sub000/internal/auth"
	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export/exporttest"
	"github.com/acgodson/autonomify-sub000/internal/llm"
	"github.com/acgodson/autonomify-sub000/internal/observability/metrics"
	"github.com/acgodson/autonomify-sub000/internal/task"
	"github.com/acgodson/autonomify-sub000/internal/tool"
	"github.com/acgodson/autonomify-sub000/internal/web3"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

const holder = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"

type fixedReader struct{}

func (fixedReader) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(42).Bytes(), 32), nil
}

type staticHealth struct{}

func (staticHealth) Snapshots(context.Context) []web3.ChainSnapshot {
	return []web3.ChainSnapshot{{Name: "devnet", ChainID: "0x539", BlockNumber: "0x10"}}
}

func newEngine(t *testing.T) *tool.Engine {
	t.Helper()
	d := dispatch.New(dispatch.WithLogger(logger.Discard()), dispatch.WithAuditLogger(logger.Discard()))
	signer := dispatch.SignerFunc(func(context.Context, dispatch.UnsignedTransaction) (common.Hash, error) {
		return common.HexToHash("0xabc"), nil
	})
	return tool.NewEngine(exporttest.Bundle(t), fixedReader{}, signer, d)
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestExecuteReadAndWrite(t *testing.T) {
	h := NewServer(":0", newEngine(t), WithDefaultAgent("agent-1")).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/execute",
		`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"balanceOf","args":["`+holder+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var read dispatch.ExecuteResult
	if err := json.Unmarshal(rec.Body.Bytes(), &read); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !read.Success || read.Result == nil || read.TxHash != "" {
		t.Fatalf("unexpected read result %+v", read)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/execute",
		`{"agentId":"agent-2","contractAddress":"`+exporttest.TokenAddress+`","functionName":"approve","args":{"spender":"`+holder+`","amount":"1000"}}`)
	var write dispatch.ExecuteResult
	if err := json.Unmarshal(rec.Body.Bytes(), &write); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || !write.Success || write.TxHash == "" {
		t.Fatalf("unexpected write result %d %+v", rec.Code, write)
	}
}

func TestExecuteFailureStatus(t *testing.T) {
	h := NewServer(":0", newEngine(t), WithDefaultAgent("agent-1")).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/execute",
		`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"mint","args":[]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var res dispatch.ExecuteResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if res.ErrorCode() != xerrors.CodeFunctionNotFound {
		t.Fatalf("unexpected error %+v", res.Error)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/execute", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/execute", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestValidate(t *testing.T) {
	h := NewServer(":0", newEngine(t), WithDefaultAgent("agent-1")).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/validate",
		`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"approve","args":["`+holder+`","1.5"]}`)
	var bad validateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &bad); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bad.Valid || bad.Error == nil || bad.Error.Code != xerrors.CodeTypeMismatch || bad.Error.ArgumentName != "amount" {
		t.Fatalf("unexpected validation result %+v", bad)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/validate",
		`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"approve","args":["`+holder+`","15"]}`)
	var good validateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &good); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !good.Valid || good.ReadOnly || good.Stage != dispatch.StageWriting {
		t.Fatalf("unexpected validation result %+v", good)
	}
	if !strings.EqualFold(good.Target, exporttest.ExecutorAddress) || !strings.HasPrefix(good.Calldata, "0x095ea7b3") {
		t.Fatalf("write should target the executor with approve calldata: %+v", good)
	}
}

func TestHandleTaskDetailSuccess(t *testing.T) {
	store := task.NewMemoryStore()
	server := NewServer(":0", nil, WithTaskService(task.NewService(store, task.NewMemoryQueue(4))))

	sample := &task.Task{
		ID:      "task-success",
		AgentID: "agent-1",
		Call:    dispatch.StructuredCall{ContractAddress: exporttest.TokenAddress, FunctionName: "symbol"},
	}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample task: %v", err)
	}
	if _, err := store.Claim(context.Background(), sample.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Complete(context.Background(), sample.ID, dispatch.ExecuteResult{Success: true, Result: "TT"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-success", nil)
	rec := httptest.NewRecorder()

	server.handleTaskDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID || got.Status != task.StatusSucceeded {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Result == nil || got.Result.Result != "TT" {
		t.Fatalf("unexpected task result: %+v", got.Result)
	}
}

func TestHandleTaskDetailErrors(t *testing.T) {
	server := NewServer(":0", nil, WithTaskService(task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(4))))

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/task-1", nil)
		rec := httptest.NewRecorder()

		server.handleTaskDetail(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/", nil)
		rec := httptest.NewRecorder()

		server.handleTaskDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
		rec := httptest.NewRecorder()

		server.handleTaskDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestTaskSubmitListAndResubmit(t *testing.T) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(8))
	h := NewServer(":0", nil, WithTaskService(svc), WithDefaultAgent("agent-1")).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/tasks",
		`{"id":"t1","call":{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"approve","args":["`+holder+`","1"]}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected submit status %d: %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.AgentID != "agent-1" || created.Status != task.StatusPending {
		t.Fatalf("unexpected created task %+v", created)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/tasks/t1/resubmit", ""); rec.Code != http.StatusConflict {
		t.Fatalf("pending task resubmit should conflict, got %d", rec.Code)
	}
	if err := store.MarkFailed(context.Background(), "t1", xerrors.CodeSigningFailure, "nonce too low"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	rec = do(t, h, http.MethodPost, "/api/v1/tasks/t1/resubmit", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected resubmit status %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks?status=pending&agent=agent-1", "")
	var pending []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(pending) != 1 || pending[0].ResubmittedFrom != "t1" {
		t.Fatalf("unexpected pending list %+v", pending)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/tasks?status=weird", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/stats", "")
	var stats task.TaskStats
	_ = json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Total != 2 || stats.Failed != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAgentChat(t *testing.T) {
	engine := newEngine(t)
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		for _, m := range req.Messages {
			if m.Role == llm.RoleTool {
				return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: "余额为 42"}}, nil
			}
		}
		args := `{"contractAddress":"` + exporttest.TokenAddress + `","functionName":"balanceOf","args":["` + holder + `"]}`
		return &llm.Response{Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: tool.Name, Arguments: args}},
		}}, nil
	})
	loop := agent.NewLoop(agent.LoopConfig{LLM: client, Logger: logger.Discard()})
	sessions := agent.NewRegistry()
	h := NewServer(":0", engine, WithAgents(sessions, loop)).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/agents/agent-9/chat", `{"message":"查询余额"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var turn agent.TurnResult
	if err := json.Unmarshal(rec.Body.Bytes(), &turn); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if turn.Reply != "余额为 42" || len(turn.Calls) != 1 || !turn.Calls[0].Result.Success {
		t.Fatalf("unexpected turn %+v", turn)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/agents/agent-9/history", "")
	var history []llm.Message
	_ = json.Unmarshal(rec.Body.Bytes(), &history)
	if len(history) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(history))
	}

	if rec := do(t, h, http.MethodDelete, "/api/v1/agents/agent-9", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected delete status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/agents/agent-9", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete should be 404, got %d", rec.Code)
	}
}

func TestHealthAuthAndMetrics(t *testing.T) {
	authSvc, err := auth.NewService([]auth.Key{{Name: "ops", Secret: "s3cret", Permissions: []string{auth.PermissionRead}}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	reg := metrics.New()
	h := NewServer(":0", newEngine(t),
		WithAuth(authSvc),
		WithMetrics(reg, "/metrics"),
		WithHealth(staticHealth{}),
		WithDefaultAgent("agent-1"),
	).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	var health healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if rec.Code != http.StatusOK || health.ChainID != exporttest.ChainID || len(health.Chains) != 1 {
		t.Fatalf("unexpected health %d %+v", rec.Code, health)
	}

	body := `{"contractAddress":"` + exporttest.TokenAddress + `","functionName":"totalSupply"}`
	if rec := do(t, h, http.MethodPost, "/api/v1/execute", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/execute", body, "Authorization", "Bearer s3cret"); rec.Code != http.StatusForbidden {
		t.Fatalf("read-only key must not execute, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/validate", body, "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("read-only key may validate, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), `autonomify_http_requests_total{code="401",handler="execute",method="POST"} 1`) {
		t.Fatalf("metrics missing request counter:\n%s", rec.Body.String())
	}
}
