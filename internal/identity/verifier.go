// Package identity 校验连接握手中的访问令牌，返回已验证身份
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "sudooom.im.chatsync/internal/errors"
	"sudooom.im.chatsync/internal/jwt"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/store"
)

// Finder 身份查询
type Finder interface {
	FindIdentity(ctx context.Context, id string) (*model.Identity, error)
}

// Verifier 身份校验器
type Verifier struct {
	tokens *jwt.Service
	finder Finder
}

// NewVerifier 创建身份校验器
func NewVerifier(tokens *jwt.Service, finder Finder) *Verifier {
	return &Verifier{tokens: tokens, finder: finder}
}

// Verify 校验令牌并返回身份；令牌缺失、无效、过期或身份未验证时返回 AuthError
func (v *Verifier) Verify(ctx context.Context, token string) (*model.Identity, error) {
	if token == "" {
		return nil, apperrors.ErrAuth.WithMessage("no token provided")
	}

	claims, err := v.tokens.ValidateAccessToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.ErrTokenExpired
		}
		return nil, apperrors.ErrAuth.Wrap(err)
	}

	identity, err := v.finder.FindIdentity(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.ErrAuth.WithMessage("invalid user")
		}
		return nil, apperrors.ErrAuth.Wrap(err)
	}
	if !identity.IsVerified {
		return nil, apperrors.ErrAuth.WithMessage("invalid user")
	}
	return identity, nil
}

// TokenFromRequest 从 Authorization: Bearer 头或 token 查询参数提取令牌
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
