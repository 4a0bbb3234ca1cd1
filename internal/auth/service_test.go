package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operatorAddr = "0x00000000000000000000000000000000000000a1"

func newJWTService(t *testing.T, seeds ...Seed) *Service {
	t.Helper()
	if len(seeds) == 0 {
		seeds = []Seed{{
			Username:    "operator",
			Password:    "s3cret",
			Address:     operatorAddr,
			Roles:       []string{"operator"},
			Permissions: []string{PermJobsRead, PermJobsSubmit},
		}}
	}
	store, err := NewMemoryStore(seeds)
	require.NoError(t, err)
	svc, err := NewService(Config{
		Mode: ModeJWT,
		JWT: JWTOptions{
			Secret:   "test-secret",
			Issuer:   "x402d",
			Audience: []string{"x402-api"},
		},
	}, store)
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidatesConfig(t *testing.T) {
	store, err := NewMemoryStore(nil)
	require.NoError(t, err)

	svc, err := NewService(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, svc.Mode())

	_, err = NewService(Config{Mode: ModeJWT}, store)
	assert.Error(t, err)
	_, err = NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "x"}}, nil)
	assert.Error(t, err)
	_, err = NewService(Config{Mode: "oauth"}, store)
	assert.Error(t, err)
}

func TestPasswordGrantIssuesVerifiableTokens(t *testing.T) {
	ctx := context.Background()
	svc := newJWTService(t)

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "operator", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(3600), pair.ExpiresIn)
	assert.NotEmpty(t, pair.RefreshToken)

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "operator", subject.Username)
	assert.Equal(t, common.HexToAddress(operatorAddr), subject.Address)
	assert.True(t, subject.HasPermission(PermJobsSubmit))
	assert.False(t, subject.HasPermission(PermEscrowRead))
}

func TestPasswordGrantRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newJWTService(t)

	_, err := svc.Authenticate(ctx, TokenRequest{Username: "operator", Password: "wrong"})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, err = svc.Authenticate(ctx, TokenRequest{Username: "ghost", Password: "s3cret"})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, err = svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials"})
	assert.True(t, errors.Is(err, ErrUnsupportedGrant))
}

func TestDisabledSeedCannotAuthenticate(t *testing.T) {
	svc := newJWTService(t, Seed{Username: "old", Password: "pw", Disabled: true})
	_, err := svc.Authenticate(context.Background(), TokenRequest{Username: "old", Password: "pw"})
	assert.True(t, errors.Is(err, ErrSubjectRevoked))
}

func TestRefreshGrant(t *testing.T) {
	ctx := context.Background()
	svc := newJWTService(t)
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "operator", Password: "s3cret"})
	require.NoError(t, err)

	refreshed, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken})
	require.NoError(t, err)
	assert.Equal(t, "operator", refreshed.Subject.Username)

	// 访问令牌不能充当刷新令牌，反之亦然。
	_, err = svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.AccessToken})
	assert.True(t, errors.Is(err, ErrInvalidToken))
	_, err = svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestExpiredAndForeignTokensAreRejected(t *testing.T) {
	ctx := context.Background()
	svc := newJWTService(t)
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "operator", Password: "s3cret"})
	require.NoError(t, err)

	svc.jwt.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	other := newJWTService(t)
	other.jwt.secret = []byte("another-secret")
	_, err = other.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	other.jwt.secret = []byte("test-secret")
	other.jwt.audience = []string{"somewhere-else"}
	_, err = other.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = svc.AuthenticateRequest(ctx, "Basic abc")
	assert.True(t, errors.Is(err, ErrMissingToken))
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newJWTService(t)
	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "operator", Password: "s3cret"})
	require.NoError(t, err)

	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {PermJobsRead},
		http.MethodPost: {PermEscrowRead},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(method, token string) int {
		req := httptest.NewRequest(method, "/api/v1/jobs", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, ""))
	assert.Equal(t, http.StatusForbidden, serve(http.MethodPost, pair.AccessToken))
	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, pair.AccessToken))
	require.NotNil(t, seen)
	assert.Equal(t, "operator", seen.Username)
}

func TestMiddlewarePassesThroughWhenDisabled(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled}, nil)
	require.NoError(t, err)
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSeedValidation(t *testing.T) {
	_, err := NewMemoryStore([]Seed{{Username: "", Password: "x"}})
	assert.Error(t, err)
	_, err = NewMemoryStore([]Seed{{Username: "a", Password: "x", Address: "not-hex"}})
	assert.Error(t, err)
	_, err = NewMemoryStore([]Seed{{Username: "a", Password: " "}})
	assert.Error(t, err)
}

func TestBuiltInRolesExpandIntoPermissions(t *testing.T) {
	ctx := context.Background()
	svc := newJWTService(t, Seed{Username: "watcher", Password: "pw", Roles: []string{"Viewer", "auditor"}})

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "watcher", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, []string{"auditor", "viewer"}, pair.Subject.Roles)
	assert.Equal(t, []string{PermEscrowRead, PermJobsRead, PermRegistryRead}, pair.Subject.Permissions)
	assert.False(t, pair.Subject.HasPermission(PermJobsSubmit))

	_, bound := pair.Subject.Caller()
	assert.False(t, bound)

	assert.NotContains(t, ExpandRoles([]string{RoleSubmitter}, nil), PermJobsActAs)
	assert.Contains(t, ExpandRoles([]string{"ADMIN"}, nil), PermJobsActAs)
}

func TestSeedAddressCanOnlyBindOneAccount(t *testing.T) {
	_, err := NewMemoryStore([]Seed{
		{Username: "a", Password: "x", Address: operatorAddr},
		{Username: "b", Password: "x", Address: operatorAddr},
	})
	assert.Error(t, err)

	store, err := NewMemoryStore([]Seed{{Username: "a", Password: "x", Address: operatorAddr}})
	require.NoError(t, err)
	require.NoError(t, store.ApplySeed(context.Background(), Seed{Username: "a", Password: "y"}))
	require.NoError(t, store.ApplySeed(context.Background(), Seed{Username: "b", Password: "x", Address: operatorAddr}))
}

func TestMiddlewareDeniesWithJSONCode(t *testing.T) {
	svc := newJWTService(t)
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{"*": {PermJobsRead}}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromContext(r.Context())
			assert.True(t, ok)
			assert.Equal(t, common.HexToAddress(operatorAddr), caller)
		}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid token","code":"AUTH_INVALID_TOKEN"}`, rec.Body.String())

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "operator", Password: "s3cret"})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
