package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 鉴权子系统返回的通用错误。
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMisconfigured    = errors.New("auth misconfigured")
)

// 操作员接口使用的权限。
const (
	PermPipelineOperate = "pipeline:operate"
	PermRuntimeWrite    = "runtime:write"
)

// AllPermissions 是静态令牌持有者获得的全部权限。
var AllPermissions = []string{PermPipelineOperate, PermRuntimeWrite}

// Mode 枚举支持的鉴权方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
	ModeToken    Mode = "token"
)

// ParseMode 解析配置中的鉴权方式，空值视为 disabled。
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeDisabled:
		return ModeDisabled, nil
	case ModeJWT:
		return ModeJWT, nil
	case ModeToken:
		return ModeToken, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrMisconfigured, raw)
	}
}

// Subject 是通过鉴权的调用方。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断主体是否拥有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 校验主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}
