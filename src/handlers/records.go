package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/middleware"
	"github.com/questlog/vault-api/src/models"
	vault_repo "github.com/questlog/vault-api/src/repository/vault"
	"github.com/questlog/vault-api/src/services/vault"
)

type RecordCreateRequest struct {
	Content  string `json:"content" binding:"required"`
	Category string `json:"category"`
}

type RecordUpdateRequest struct {
	Content string `json:"content" binding:"required"`
}

type RecordMetadataRequest struct {
	Category  *string `json:"category"`
	Completed *bool   `json:"completed"`
}

// RecordResponse is the non-secret view of a record plus its opaque envelope.
type RecordResponse struct {
	ID        uuid.UUID             `json:"id"`
	Envelope  models.RecordEnvelope `json:"envelope"`
	Category  string                `json:"category,omitempty"`
	Completed bool                  `json:"completed"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func recordResponse(rec *models.VaultRecord) RecordResponse {
	return RecordResponse{
		ID:        rec.ID,
		Envelope:  rec.Envelope(),
		Category:  rec.Category.String,
		Completed: rec.Completed,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// RecordHandler serves the encrypted record store. Every mutating route sits
// behind the write guard; content passes through the lock controller's
// mediated cipher calls, so this handler never touches a key.
type RecordHandler struct {
	controller *vault.Controller
	records    *vault_repo.RecordRepository
	states     *vault_repo.VaultStateRepository
	logger     *logrus.Logger
}

func NewRecordHandler(controller *vault.Controller, records *vault_repo.RecordRepository,
	states *vault_repo.VaultStateRepository, logger *logrus.Logger) *RecordHandler {
	return &RecordHandler{
		controller: controller,
		records:    records,
		states:     states,
		logger:     logger,
	}
}

func (h *RecordHandler) vaultID(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	accountID, _ := middleware.AccountID(c)
	v, err := h.states.GetByAccount(c.Request.Context(), accountID)
	if err != nil {
		respondVaultError(c, h.logger, vault.ErrVaultNotProvisioned)
		return uuid.Nil, uuid.Nil, false
	}
	return accountID, v.ID, true
}

// Create encrypts the submitted content under the current policy and stores
// the resulting triple. The plaintext is indexed incrementally and then
// leaves server memory.
func (h *RecordHandler) Create(c *gin.Context) {
	accountID, vaultID, ok := h.vaultID(c)
	if !ok {
		return
	}

	var req RecordCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: content required"})
		return
	}

	payload, err := h.controller.EncryptRecord(c.Request.Context(), accountID, []byte(req.Content))
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	rec := &models.VaultRecord{
		VaultID:       vaultID,
		Ciphertext:    payload.Ciphertext,
		IV:            payload.IV,
		Salt:          payload.Salt,
		PolicyVersion: payload.PolicyVersion,
	}
	if req.Category != "" {
		rec.Category = sql.NullString{String: req.Category, Valid: true}
	}
	if err := h.records.Create(c.Request.Context(), rec); err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	h.controller.IndexRecord(accountID, rec.ID, []byte(req.Content), rec.UpdatedAt)
	c.JSON(http.StatusCreated, recordResponse(rec))
}

// List returns envelopes and metadata only; no decryption happens here.
func (h *RecordHandler) List(c *gin.Context) {
	_, vaultID, ok := h.vaultID(c)
	if !ok {
		return
	}

	recs, err := h.records.ListByVault(c.Request.Context(), vaultID)
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	out := make([]RecordResponse, 0, len(recs))
	for i := range recs {
		out = append(out, recordResponse(&recs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"records": out, "count": len(out)})
}

// Get returns one record with its content decrypted through the session.
func (h *RecordHandler) Get(c *gin.Context) {
	accountID, vaultID, ok := h.vaultID(c)
	if !ok {
		return
	}

	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	rec, err := h.records.Get(c.Request.Context(), vaultID, recordID)
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	plaintext, err := h.controller.DecryptRecord(c.Request.Context(), accountID, rec)
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	resp := recordResponse(rec)
	c.JSON(http.StatusOK, gin.H{
		"record":  resp,
		"content": string(plaintext),
	})
}

// Update re-encrypts new content and replaces the whole ciphertext+iv+salt
// triple; the triple is never partially mutated.
func (h *RecordHandler) Update(c *gin.Context) {
	accountID, vaultID, ok := h.vaultID(c)
	if !ok {
		return
	}

	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	var req RecordUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: content required"})
		return
	}

	payload, err := h.controller.EncryptRecord(c.Request.Context(), accountID, []byte(req.Content))
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	if err := h.records.ReplacePayload(c.Request.Context(), vaultID, recordID,
		payload.Ciphertext, payload.IV, payload.Salt, payload.PolicyVersion); err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	h.controller.IndexRecord(accountID, recordID, []byte(req.Content), time.Now().UTC())

	rec, err := h.records.Get(c.Request.Context(), vaultID, recordID)
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, recordResponse(rec))
}

// UpdateMetadata changes category/completed without touching the payload.
func (h *RecordHandler) UpdateMetadata(c *gin.Context) {
	_, vaultID, ok := h.vaultID(c)
	if !ok {
		return
	}

	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	var req RecordMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	rec, err := h.records.Get(c.Request.Context(), vaultID, recordID)
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	category := rec.Category
	if req.Category != nil {
		category = sql.NullString{String: *req.Category, Valid: *req.Category != ""}
	}
	completed := rec.Completed
	if req.Completed != nil {
		completed = *req.Completed
	}

	if err := h.records.UpdateMetadata(c.Request.Context(), vaultID, recordID, category, completed); err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	rec, err = h.records.Get(c.Request.Context(), vaultID, recordID)
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, recordResponse(rec))
}

// Delete removes a record and its index entry.
func (h *RecordHandler) Delete(c *gin.Context) {
	accountID, vaultID, ok := h.vaultID(c)
	if !ok {
		return
	}

	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	if err := h.records.Delete(c.Request.Context(), vaultID, recordID); err != nil {
		respondVaultError(c, h.logger, err)
		return
	}

	h.controller.RemoveFromIndex(accountID, recordID)
	c.JSON(http.StatusOK, gin.H{"message": "record deleted"})
}
