package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// Service 校验 Bearer API Key。未配置任何 Key 时认证关闭。
type Service struct {
	keys  map[common.Hash]*Subject
	audit *slog.Logger
}

// NewService 根据配置的 Key 构造认证服务。
func NewService(keys []Key) (*Service, error) {
	s := &Service{keys: make(map[common.Hash]*Subject, len(keys)), audit: logger.Audit()}
	for _, key := range keys {
		secret := strings.TrimSpace(key.Secret)
		if secret == "" {
			return nil, fmt.Errorf("API Key %q 的密钥为空", key.Name)
		}
		digest := crypto.Keccak256Hash([]byte(secret))
		if _, dup := s.keys[digest]; dup {
			return nil, fmt.Errorf("API Key %q 与已有密钥重复", key.Name)
		}
		subject := &Subject{
			Name:        strings.TrimSpace(key.Name),
			Permissions: append([]string(nil), key.Permissions...),
			Disabled:    key.Disabled,
		}
		subject.normalise()
		s.keys[digest] = subject
	}
	return s, nil
}

// Enabled 报告是否配置了 API Key。
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	token := strings.TrimSpace(authorization)
	if token == "" {
		return nil, ErrMissingToken
	}
	const prefix = "bearer "
	if len(token) <= len(prefix) || !strings.EqualFold(token[:len(prefix)], prefix) {
		return nil, ErrInvalidToken
	}
	digest := crypto.Keccak256Hash([]byte(strings.TrimSpace(token[len(prefix):])))
	for candidate, subject := range s.keys {
		if subtle.ConstantTimeCompare(candidate.Bytes(), digest.Bytes()) == 1 {
			if subject.Disabled {
				return nil, ErrSubjectRevoked
			}
			return subject, nil
		}
	}
	return nil, ErrInvalidToken
}
