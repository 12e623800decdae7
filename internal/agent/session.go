package agent

import (
	"sort"
	"strings"
	"sync"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/llm"
	"github.com/acgodson/autonomify-sub000/internal/tool"
)

// defaultHistoryLimit 是会话保留的对话消息条数。
const defaultHistoryLimit = 20

// Session 是一个智能体的对话状态。同一会话的轮次串行执行。
type Session struct {
	id       string
	executor *tool.Executor
	limit    int

	turn    sync.Mutex
	mu      sync.RWMutex
	history []llm.Message
}

// ID 返回会话绑定的智能体标识。
func (s *Session) ID() string { return s.id }

// Executor 返回会话绑定的工具执行器。
func (s *Session) Executor() *tool.Executor { return s.executor }

// History 返回对话历史的副本。
func (s *Session) History() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) remember(msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
	if over := len(s.history) - s.limit; over > 0 {
		s.history = append([]llm.Message(nil), s.history[over:]...)
	}
}

// Registry 持有全部活跃会话，按智能体标识索引。
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	historyLimit int
}

// RegistryOption 定义 Registry 的可选配置。
type RegistryOption func(*Registry)

// WithHistoryLimit 设置每个会话保留的历史消息数。
func WithHistoryLimit(limit int) RegistryOption {
	return func(r *Registry) {
		if limit > 0 {
			r.historyLimit = limit
		}
	}
}

// NewRegistry 创建空的会话注册表。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:     make(map[string]*Session),
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Open 为智能体创建会话。同一智能体已有会话时返回 CONFLICT。
func (r *Registry) Open(executor *tool.Executor) (*Session, error) {
	if executor == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具执行器不能为空")
	}
	id := strings.TrimSpace(executor.AgentID())
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体标识不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, xerrors.New(xerrors.CodeConflict, "智能体会话已存在",
			xerrors.WithMetadata("agent_id", id))
	}
	s := &Session{id: id, executor: executor, limit: r.historyLimit}
	r.sessions[id] = s
	return s, nil
}

// Get 查找会话。
func (r *Registry) Get(agentID string) (*Session, error) {
	id := strings.TrimSpace(agentID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "智能体会话不存在",
			xerrors.WithMetadata("agent_id", id))
	}
	return s, nil
}

// Close 移除会话，未知会话返回 NOT_FOUND。
func (r *Registry) Close(agentID string) error {
	id := strings.TrimSpace(agentID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "智能体会话不存在",
			xerrors.WithMetadata("agent_id", id))
	}
	delete(r.sessions, id)
	return nil
}

// CloseAll 移除全部会话并返回被关闭的数量。
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	r.sessions = make(map[string]*Session)
	return n
}

// IDs 返回排序后的会话标识。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
