// Package auth guards the treasury API with static bearer tokens. Tokens are
// stored as salted SHA-256 digests and carry coarse permissions.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"Treasury-Autopilot/pkg/logger"
)

const tokenSaltBytes = 16

type credential struct {
	salt    []byte
	digest  []byte
	subject *Subject
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}

	if len(cfg.Tokens) == 0 {
		return nil, errors.New("token mode requires at least one token")
	}
	seen := make(map[string]struct{}, len(cfg.Tokens))
	for _, tc := range cfg.Tokens {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, errors.New("token name cannot be empty")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate token name %s", name)
		}
		seen[name] = struct{}{}
		salt, digest, err := decodeHash(tc.Hash)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", name, err)
		}
		subject := &Subject{
			Name:        name,
			Permissions: append([]string(nil), tc.Permissions...),
			Disabled:    tc.Disabled,
		}
		subject.normalise()
		svc.credentials = append(svc.credentials, credential{salt: salt, digest: digest, subject: subject})
	}
	return svc, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回匹配的主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	// 逐一比较，不在第一次命中时提前返回。
	var matched *Subject
	for _, c := range s.credentials {
		digest := sha256.Sum256(append(append([]byte(nil), c.salt...), token...))
		if subtle.ConstantTimeCompare(c.digest, digest[:]) == 1 && matched == nil {
			matched = c.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.Disabled {
		return nil, ErrSubjectRevoked
	}
	return matched.Clone(), nil
}

// HashToken 对令牌明文加盐哈希，结果写入配置的 hash 字段。
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token cannot be empty")
	}
	salt := make([]byte, tokenSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(token)...))
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedDigest := base64.RawStdEncoding.EncodeToString(digest[:])
	return encodedSalt + ":" + encodedDigest, nil
}

func decodeHash(hashed string) ([]byte, []byte, error) {
	parts := strings.SplitN(strings.TrimSpace(hashed), ":", 2)
	if len(parts) != 2 {
		return nil, nil, errors.New("hash must be salt:digest")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	digest, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, nil, errors.New("digest has wrong length")
	}
	return salt, digest, nil
}
