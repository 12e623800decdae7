package autonomify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteSendsKeyAndAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/execute" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Fatalf("expected bearer key, got %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["agentId"] != "agent-1" || body["functionName"] != "balanceOf" {
			t.Fatalf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(Result{Success: true, Result: []any{"42"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAPIKey("key-1")

	res, err := client.Execute(context.Background(), "agent-1", Call{
		ContractAddress: "0x1",
		FunctionName:    "balanceOf",
		Args:            []any{"0x2"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestExecuteFailureIsAResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(Result{Error: &CallError{Code: "TYPE_MISMATCH", Stage: "coercing", Message: "bad"}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	res, err := client.Execute(context.Background(), "", Call{FunctionName: "approve"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Success || res.Error == nil || res.Error.Code != "TYPE_MISMATCH" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/task-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(struct {
				Error APIError `json:"error"`
			}{Error: APIError{Code: "TASK_NOT_FOUND", Message: "missing"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.GetTask(context.Background(), "task-404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestSubmitAndWaitTask(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			var body struct {
				ID   string `json:"id"`
				Call Call   `json:"call"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.ID != "t-1" || body.Call.FunctionName != "transfer" {
				t.Fatalf("unexpected submission %+v", body)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: "pending"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks/t-1":
			status := "running"
			if atomic.AddInt32(&polls, 1) >= 3 {
				status = "succeeded"
			}
			_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: status, Result: &Result{Success: true, TxHash: "0xabc"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := client.SubmitTask(ctx, "t-1", "agent-1", Call{FunctionName: "transfer"})
	if err != nil || task.Status != "pending" {
		t.Fatalf("submit: %+v %v", task, err)
	}
	done, err := client.WaitTask(ctx, "t-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Result == nil || done.Result.TxHash != "0xabc" {
		t.Fatalf("unexpected task %+v", done)
	}
}

func TestChatReturnsPartialReplyOnAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/agent-1/chat" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"reply":"","steps":2,"calls":[],"error":{"code":"LOOP_DETECTED","message":"duplicate_call"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	reply, err := client.Chat(context.Background(), "agent-1", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "LOOP_DETECTED" {
		t.Fatalf("expected LOOP_DETECTED, got %v", err)
	}
	if reply.Steps != 2 {
		t.Fatalf("expected partial reply, got %+v", reply)
	}
}
