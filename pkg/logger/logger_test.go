package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseLevel(input), "level %q", input)
	}
}

func TestBuildAuditLoggerWritesThroughRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	audit, err := buildAuditLogger(AuditConfig{Enabled: true, Path: path})
	require.NoError(t, err)

	audit.Info("order_created", slog.Uint64("order_id", 7))
	require.NoError(t, Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"order_id":7`)
}

func TestBuildAuditLoggerRequiresPath(t *testing.T) {
	_, err := buildAuditLogger(AuditConfig{Enabled: true})
	require.Error(t, err)
}

func TestNamedTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	restore := SetForTest(slog.New(slog.NewTextHandler(&buf, nil)))
	defer restore()

	Named("escrow").Info("hello")
	assert.True(t, strings.Contains(buf.String(), "component=escrow"), buf.String())
}

func TestReplaceAttrRendersAmountsAsStrings(t *testing.T) {
	var buf bytes.Buffer
	amount, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: replaceAttr}))

	l.Info("deposit", slog.Any("amount", amount), slog.Any("error", errors.New("boom")), Amount("fee", nil))
	out := buf.String()
	assert.Contains(t, out, `"amount":"115792089237316195423570985008687907853269984665640564039457584007913129639935"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"fee":"0"`)
}

func TestWithServiceTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	withService(base, "x402d").Info("ready")
	assert.Contains(t, buf.String(), "service=x402d")

	assert.Same(t, base, withService(base, ""))
}
