package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vault_repo "github.com/questlog/vault-api/src/repository/vault"
	"github.com/questlog/vault-api/src/services/search"
	"github.com/questlog/vault-api/src/services/security"
	"github.com/questlog/vault-api/src/services/vault"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// ============================================================
// Error Mapping Tests
// ============================================================

func TestRespondVaultError_Mapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not provisioned", vault.ErrVaultNotProvisioned, http.StatusPreconditionFailed, "VAULT_NOT_PROVISIONED"},
		{"already provisioned", vault.ErrVaultAlreadyProvisioned, http.StatusConflict, "VAULT_ALREADY_PROVISIONED"},
		{"locked", vault.ErrVaultLocked, http.StatusLocked, "VAULT_LOCKED"},
		{"passphrase mismatch", vault.ErrPassphraseMismatch, http.StatusUnauthorized, "PASSPHRASE_MISMATCH"},
		{"too many attempts", vault.ErrTooManyAttempts, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS"},
		{"tamper detected", security.ErrTamperDetected, http.StatusUnprocessableEntity, "TAMPER_DETECTED"},
		{"unsupported policy", security.ErrPolicyVersionUnsupported, http.StatusUnprocessableEntity, "POLICY_VERSION_UNSUPPORTED"},
		{"index rebuild", search.ErrIndexRebuild, http.StatusServiceUnavailable, "INDEX_REBUILD_FAILED"},
		{"record not found", vault_repo.ErrRecordNotFound, http.StatusNotFound, "RECORD_NOT_FOUND"},
		{"unknown error", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/vault/unlock", nil)

			respondVaultError(c, testLogger(), tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)

			var response map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.wantCode, response["code"])
		})
	}
}

func TestRespondVaultError_WrappedErrorsStillMap(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/records", nil)

	wrapped := errors.Join(errors.New("encrypt record"), vault.ErrVaultLocked)
	respondVaultError(c, testLogger(), wrapped)

	assert.Equal(t, http.StatusLocked, w.Code)
}

func TestRespondVaultError_LockedCarriesRetryHint(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/records", nil)

	respondVaultError(c, testLogger(), vault.ErrVaultLocked)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.NotEmpty(t, response["retry_hint"])
}

// ============================================================
// Request Binding Tests
// ============================================================

func TestVaultSetupHandler_InvalidJSON(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/vault/setup", bytes.NewBufferString("not json"))
	c.Request.Header.Set("Content-Type", "application/json")

	VaultSetupHandler(nil, testLogger())(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVaultSetupHandler_ShortPassphrase(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	body := `{"passphrase": "short"}`
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/vault/setup", bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")

	VaultSetupHandler(nil, testLogger())(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVaultUnlockHandler_MissingPassphrase(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	body := `{}`
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/vault/unlock", bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")

	VaultUnlockHandler(nil, testLogger())(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVaultLockHandler_InvalidReason(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	body := `{"reason": "bored"}`
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/vault/lock", bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")

	VaultLockHandler(nil, testLogger())(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Contains(t, response, "valid_reasons")
}

func TestVaultLockHandler_MissingReason(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	body := `{}`
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/vault/lock", bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")

	VaultLockHandler(nil, testLogger())(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
