package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/acgodson/autonomify-sub000/internal/agent"
	"github.com/acgodson/autonomify-sub000/internal/auth"
	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/task"
)

// callRequest 是 execute 与 validate 的请求体。
type callRequest struct {
	AgentID string `json:"agentId"`
	dispatch.StructuredCall
}

type validateResponse struct {
	Valid    bool                   `json:"valid"`
	Stage    dispatch.Stage         `json:"stage"`
	ReadOnly bool                   `json:"readOnly"`
	Calldata string                 `json:"calldata,omitempty"`
	Target   string                 `json:"target,omitempty"`
	Value    string                 `json:"value,omitempty"`
	Error    *dispatch.ExecuteError `json:"error,omitempty"`
}

func (s *Server) decodeCall(w http.ResponseWriter, r *http.Request) (callRequest, bool) {
	var req callRequest
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return req, false
	}
	if s.engine == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调用引擎未初始化"))
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return req, false
	}
	if strings.TrimSpace(req.AgentID) == "" {
		req.AgentID = s.defaultAgent
	}
	return req, true
}

// handleExecute 同步执行一次调用。失败时响应体仍是 ExecuteResult。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCall(w, r)
	if !ok {
		return
	}
	caller := "anonymous"
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		caller = subject.Name
	}
	s.logger.Debug("执行调用",
		slog.String("caller", caller),
		slog.String("agent", req.AgentID),
		slog.String("function", req.FunctionName))

	result := s.engine.Run(r.Context(), req.AgentID, req.StructuredCall)
	status := http.StatusOK
	if !result.Success {
		status = statusFor(result.ErrorCode())
	}
	writeJSON(w, status, result)
}

// handleValidate 只做解析、转换与编码，不访问链。
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCall(w, r)
	if !ok {
		return
	}
	plan, stage, err := s.engine.Validate(req.AgentID, req.StructuredCall)
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{
			Stage: stage,
			Error: dispatch.Explain(req.StructuredCall, stage, err),
		})
		return
	}
	resp := validateResponse{Valid: true, Stage: stage, ReadOnly: plan.ReadOnly, Calldata: hexutil.Encode(plan.Calldata)}
	if plan.Tx != nil {
		resp.Target = plan.Tx.To.Hex()
		if plan.Tx.Value != nil {
			resp.Value = plan.Tx.Value.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.engine == nil || s.engine.Bundle() == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调用引擎未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Bundle())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeMethodNotAllowed(w, "GET, POST")
	}
}

// handleCreateTask 提交异步调用任务。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		req.AgentID = s.defaultAgent
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTaskDetail 处理 GET /api/v1/tasks/{id} 与 POST /api/v1/tasks/{id}/resubmit。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		found, err := s.tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	case len(parts) == 2 && parts[1] == "resubmit":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		created, err := s.tasks.Resubmit(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, created)
	default:
		http.NotFound(w, r)
	}
}

func listOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是整数")
		}
		opts = append(opts, task.WithLimit(n))
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须是整数")
		}
		opts = append(opts, task.WithOffset(n))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, item := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(item)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+item)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if agentID := q.Get("agent"); agentID != "" {
		opts = append(opts, task.WithAgent(agentID))
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "since 必须是 Unix 秒")
		}
		opts = append(opts, task.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	*agent.TurnResult
	Error *errorBody `json:"error,omitempty"`
}

// handleAgent 处理 /api/v1/agents/{id}/chat、/history 以及 DELETE /api/v1/agents/{id}。
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil || s.loop == nil || s.engine == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "智能体对话未启用"))
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/agents/"), "/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少智能体标识"))
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.sessions.Close(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		session, err := s.sessions.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session.History())
	case len(parts) == 2 && parts[1] == "chat" && r.Method == http.MethodPost:
		s.handleChat(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, agentID string) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	session, err := s.session(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.loop.RunTurn(r.Context(), session, req.Message)
	if err != nil {
		if result == nil {
			writeError(w, err)
			return
		}
		// 循环被终止时仍返回已经执行过的调用。
		body := &errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
		if e, ok := xerrors.From(err); ok {
			body.Message = e.Message()
			body.Metadata = e.Metadata()
		}
		writeJSON(w, statusFor(body.Code), chatResponse{TurnResult: result, Error: body})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{TurnResult: result})
}

// session 返回智能体会话，不存在时按需创建。
func (s *Server) session(agentID string) (*agent.Session, error) {
	if session, err := s.sessions.Get(agentID); err == nil {
		return session, nil
	}
	session, err := s.sessions.Open(s.engine.ForAgent(agentID))
	if xerrors.CodeOf(err) == xerrors.CodeConflict {
		return s.sessions.Get(agentID)
	}
	return session, err
}
