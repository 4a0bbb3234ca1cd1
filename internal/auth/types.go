package auth

import (
	"context"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
)

// Error codes returned by the authentication subsystem.
const (
	CodeDisabled           xerrors.Code = "AUTH_DISABLED"
	CodeInvalidCredentials xerrors.Code = "AUTH_INVALID_CREDENTIALS"
	CodeUnsupportedGrant   xerrors.Code = "AUTH_UNSUPPORTED_GRANT"
	CodeInvalidToken       xerrors.Code = "AUTH_INVALID_TOKEN"
	CodeMissingToken       xerrors.Code = "AUTH_MISSING_TOKEN"
	CodePermissionDenied   xerrors.Code = "AUTH_PERMISSION_DENIED"
	CodeSubjectRevoked     xerrors.Code = "AUTH_SUBJECT_REVOKED"
)

// Sentinel errors; errors.Is matches on the code, so wrapped variants with
// extra detail still compare equal.
var (
	ErrDisabled           = xerrors.New(CodeDisabled, "authentication disabled")
	ErrInvalidCredentials = xerrors.New(CodeInvalidCredentials, "invalid credentials")
	ErrUnsupportedGrant   = xerrors.New(CodeUnsupportedGrant, "unsupported grant type")
	ErrInvalidToken       = xerrors.New(CodeInvalidToken, "invalid token")
	ErrMissingToken       = xerrors.New(CodeMissingToken, "missing bearer token")
	ErrPermissionDenied   = xerrors.New(CodePermissionDenied, "permission denied")
	ErrSubjectRevoked     = xerrors.New(CodeSubjectRevoked, "subject is disabled")
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeInvalidCredentials: "invalid credentials",
		CodeInvalidToken:       "invalid token",
		CodeMissingToken:       "missing bearer token",
		CodePermissionDenied:   "permission denied",
		CodeSubjectRevoked:     "subject is disabled",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Severity: xerrors.SeverityWarning,
			Category: xerrors.CategoryAuthorization,
		})
	}
	xerrors.Register(CodeDisabled, xerrors.Attributes{
		Message:  "authentication disabled",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryState,
	})
	xerrors.Register(CodeUnsupportedGrant, xerrors.Attributes{
		Message:  "unsupported grant type",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
}

// Permissions understood by the HTTP API.
const (
	PermEscrowRead   = "escrow:read"
	PermRegistryRead = "registry:read"
	PermJobsRead     = "jobs:read"
	PermJobsSubmit   = "jobs:submit"
	// PermJobsActAs lets a subject submit jobs under a caller other than its
	// bound address, or without a bound address at all.
	PermJobsActAs = "jobs:act_as"
)

// Built-in roles. A seed listing one of these receives its permissions in
// addition to any listed explicitly; other role names are labels only.
const (
	RoleViewer    = "viewer"
	RoleSubmitter = "submitter"
	RoleAdmin     = "admin"
)

var rolePermissions = map[string][]string{
	RoleViewer:    {PermEscrowRead, PermRegistryRead, PermJobsRead},
	RoleSubmitter: {PermJobsRead, PermJobsSubmit},
	RoleAdmin:     {PermEscrowRead, PermRegistryRead, PermJobsRead, PermJobsSubmit, PermJobsActAs},
}

// ExpandRoles merges the permissions granted by built-in roles into perms.
// The result is lower-cased, deduplicated and sorted.
func ExpandRoles(roles, perms []string) []string {
	merged := append([]string(nil), perms...)
	for _, role := range roles {
		merged = append(merged, rolePermissions[strings.ToLower(strings.TrimSpace(role))]...)
	}
	return dedupeStrings(merged)
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}

// Store abstracts the operator account catalogue. Implementations must be
// safe for concurrent use.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// User represents a persisted account with credentials.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject captures the information embedded in access tokens and passed to
// request handlers via context. Address is the on-chain identity the
// operator acts as when submitting jobs.
type Subject struct {
	ID          int64
	Username    string
	Address     common.Address
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "permission denied: missing "+perm,
				xerrors.WithMetadata("permission", perm), xerrors.WithMetadata("user", s.Username))
		}
	}
	return nil
}

// Caller returns the on-chain address the subject acts as, if one is bound.
func (s *Subject) Caller() (common.Address, bool) {
	if s == nil || s.Address == (common.Address{}) {
		return common.Address{}, false
	}
	return s.Address, true
}

// Clone creates a copy of the subject.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Address:     s.Address,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest describes the payload accepted by the token endpoint.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

// TokenPair contains the issued access and refresh tokens.
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
}

// Config configures the authentication service.
type Config struct {
	Mode  Mode
	JWT   JWTOptions
	Seeds []Seed
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions contains parameters for local JWT issuance. TTLs are seconds.
type JWTOptions struct {
	Secret     string
	Issuer     string
	Audience   []string
	AccessTTL  int64
	RefreshTTL int64
}

// Seed defines an operator account to bootstrap.
type Seed struct {
	Username    string
	Password    string
	Address     string
	Roles       []string
	Permissions []string
	Disabled    bool
}
