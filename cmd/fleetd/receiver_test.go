package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Priya8975/fleet-gateway/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestReceiver(secret string) *receiver {
	return &receiver{secret: secret, logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

func post(t *testing.T, h http.Handler, path, body, sig string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if sig != "" {
		req.Header.Set(worker.SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestReceiver_VerifiesSignatures(t *testing.T) {
	rc := newTestReceiver("whsec")
	h := rc.routes()
	body := `{"event":"message.received"}`

	assert.Equal(t, http.StatusOK, post(t, h, "/webhook/success", body, sign(body, "whsec")))
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/webhook/success", body, sign(body, "other")))
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/webhook/success", body, ""))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats["total_requests"])
	assert.Equal(t, int64(2), stats["bad_signatures"])
}

func TestReceiver_Routes(t *testing.T) {
	h := newTestReceiver("").routes()
	assert.Equal(t, http.StatusOK, post(t, h, "/webhook/slow", `{}`, ""))
	assert.Equal(t, http.StatusServiceUnavailable, post(t, h, "/webhook/fail", `{}`, ""))
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/webhook/reject", `{}`, ""))
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate", "dead-letters", "receiver"}, names)
}
