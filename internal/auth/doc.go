// Package auth guards the operator endpoints. It supports three modes:
// disabled, HS256 JWTs carrying a "perms" claim, and static bearer tokens.
// Denials are written to the audit log.
package auth
