package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/auth"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
)

type ensureAccountRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

type accountItem struct {
	AccountID  string `json:"account_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	CreatedAt  string `json:"created_at"`
}

type balanceResponse struct {
	AccountID      string `json:"account_id"`
	PoolID         string `json:"pool_id"`
	Available      string `json:"available"`
	AvailableMicro int64  `json:"available_micro"`
	Reserved       string `json:"reserved"`
	ReservedMicro  int64  `json:"reserved_micro"`
	OpenLots       int    `json:"open_lots"`
}

type lotItem struct {
	LotID          string  `json:"lot_id"`
	PoolID         string  `json:"pool_id"`
	SourceType     string  `json:"source_type"`
	SourceID       string  `json:"source_id"`
	OriginalMicro  int64   `json:"original_micro"`
	AvailableMicro int64   `json:"available_micro"`
	ReservedMicro  int64   `json:"reserved_micro"`
	ConsumedMicro  int64   `json:"consumed_micro"`
	ExpiresAt      *string `json:"expires_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type entryItem struct {
	EntryID       string         `json:"entry_id"`
	Seq           int64          `json:"seq"`
	PoolID        string         `json:"pool_id"`
	EntryType     string         `json:"entry_type"`
	AmountMicro   int64          `json:"amount_micro"`
	LotID         *string        `json:"lot_id,omitempty"`
	ReservationID *string        `json:"reservation_id,omitempty"`
	ReferenceType string         `json:"reference_type,omitempty"`
	ReferenceID   *string        `json:"reference_id,omitempty"`
	Description   string         `json:"description,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

type mintRequest struct {
	PoolID      string         `json:"pool_id"`
	SourceType  string         `json:"source_type"`
	SourceID    string         `json:"source_id"`
	Amount      string         `json:"amount"`
	ExpiresAt   string         `json:"expires_at"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type mintResponse struct {
	Lot       lotItem `json:"lot"`
	Duplicate bool    `json:"duplicate"`
}

type reconcileResponse struct {
	AccountID       string   `json:"account_id"`
	PoolID          string   `json:"pool_id"`
	EntrySumMicro   int64    `json:"entry_sum_micro"`
	UnconsumedMicro int64    `json:"unconsumed_micro"`
	LotCount        int      `json:"lot_count"`
	InvalidLots     []string `json:"invalid_lots,omitempty"`
	Balanced        bool     `json:"balanced"`
}

func (h *Handler) EnsureAccount(c *gin.Context) {
	var req ensureAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	acct, err := h.Service.Credit().EnsureAccount(c.Request.Context(), strings.TrimSpace(req.EntityType), strings.TrimSpace(req.EntityID))
	if err != nil {
		writeServiceError(c, h.Logger, "ensure account", err)
		return
	}
	c.JSON(http.StatusOK, accountToItem(*acct))
}

func (h *Handler) GetAccount(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	if !h.authorizeAccounts(c, id) {
		return
	}
	acct, err := h.Service.Credit().GetAccount(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.Logger, "get account", err)
		return
	}
	c.JSON(http.StatusOK, accountToItem(*acct))
}

func (h *Handler) GetBalance(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	if !h.authorizeAccounts(c, id) {
		return
	}
	bal, err := h.Service.Credit().GetBalance(c.Request.Context(), id, strings.TrimSpace(c.Query("pool_id")))
	if err != nil {
		writeServiceError(c, h.Logger, "get balance", err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{
		AccountID:      bal.AccountID.String(),
		PoolID:         bal.PoolID,
		Available:      money.FormatUnits(bal.AvailableMicro),
		AvailableMicro: bal.AvailableMicro,
		Reserved:       money.FormatUnits(bal.ReservedMicro),
		ReservedMicro:  bal.ReservedMicro,
		OpenLots:       bal.OpenLots,
	})
}

func (h *Handler) ListLots(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	if !h.authorizeAccounts(c, id) {
		return
	}
	lots, err := h.Service.Credit().ListLots(c.Request.Context(), id, strings.TrimSpace(c.Query("pool_id")))
	if err != nil {
		writeServiceError(c, h.Logger, "list lots", err)
		return
	}
	items := make([]lotItem, 0, len(lots))
	for _, lot := range lots {
		items = append(items, lotToItem(lot))
	}
	c.JSON(http.StatusOK, gin.H{"lots": items})
}

func (h *Handler) ListEntries(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	if !h.authorizeAccounts(c, id) {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	entries, err := h.Service.Credit().ListEntries(c.Request.Context(), id, strings.TrimSpace(c.Query("pool_id")), limit)
	if err != nil {
		writeServiceError(c, h.Logger, "list entries", err)
		return
	}
	items := make([]entryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, entryToItem(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": items})
}

func (h *Handler) Mint(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	amount, ok := parseAmount(c, "amount", req.Amount)
	if !ok {
		return
	}
	in := credit.MintInput{
		AccountID:   id,
		PoolID:      strings.TrimSpace(req.PoolID),
		SourceType:  strings.TrimSpace(req.SourceType),
		SourceID:    strings.TrimSpace(req.SourceID),
		AmountMicro: amount,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	switch in.SourceType {
	case "":
		in.SourceType = storage.SourceGrant
	case storage.SourceTransferIn, storage.SourceRevenueShare:
		// Only the transfer and distribution engines mint these.
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "source_type "+in.SourceType+" cannot be minted directly", nil)
		return
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	in.Metadata["actor"] = auth.Actor(c)
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		expires, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid expires_at", nil)
			return
		}
		in.ExpiresAt = &expires
	}

	result, err := h.Service.Credit().Mint(c.Request.Context(), in)
	if err != nil {
		writeServiceError(c, h.Logger, "mint", err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, mintResponse{Lot: lotToItem(result.Lot), Duplicate: result.Duplicate})
}

func (h *Handler) Reconcile(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	report, err := h.Service.Credit().Reconcile(c.Request.Context(), id, strings.TrimSpace(c.Query("pool_id")))
	if err != nil {
		writeServiceError(c, h.Logger, "reconcile", err)
		return
	}
	resp := reconcileResponse{
		AccountID:       report.AccountID.String(),
		PoolID:          report.PoolID,
		EntrySumMicro:   report.EntrySumMicro,
		UnconsumedMicro: report.UnconsumedMicro,
		LotCount:        report.LotCount,
		Balanced:        report.Balanced,
	}
	for _, lotID := range report.InvalidLots {
		resp.InvalidLots = append(resp.InvalidLots, lotID.String())
	}
	c.JSON(http.StatusOK, resp)
}

func accountToItem(acct storage.Account) accountItem {
	return accountItem{
		AccountID:  acct.ID.String(),
		EntityType: acct.EntityType,
		EntityID:   acct.EntityID,
		CreatedAt:  formatTime(acct.CreatedAt),
	}
}

func lotToItem(lot storage.Lot) lotItem {
	return lotItem{
		LotID:          lot.ID.String(),
		PoolID:         lot.PoolID,
		SourceType:     lot.SourceType,
		SourceID:       lot.SourceID,
		OriginalMicro:  lot.OriginalMicro,
		AvailableMicro: lot.AvailableMicro,
		ReservedMicro:  lot.ReservedMicro,
		ConsumedMicro:  lot.ConsumedMicro,
		ExpiresAt:      formatTimePtr(lot.ExpiresAt),
		CreatedAt:      formatTime(lot.CreatedAt),
	}
}

func entryToItem(e storage.LedgerEntry) entryItem {
	item := entryItem{
		EntryID:       e.ID.String(),
		Seq:           e.Seq,
		PoolID:        e.PoolID,
		EntryType:     e.EntryType,
		AmountMicro:   e.AmountMicro,
		ReferenceType: e.ReferenceType,
		Description:   e.Description,
		Metadata:      e.Metadata,
		CreatedAt:     formatTime(e.CreatedAt),
	}
	if e.LotID != nil {
		s := e.LotID.String()
		item.LotID = &s
	}
	if e.ReservationID != nil {
		s := e.ReservationID.String()
		item.ReservationID = &s
	}
	if e.ReferenceID != nil {
		s := e.ReferenceID.String()
		item.ReferenceID = &s
	}
	return item
}
