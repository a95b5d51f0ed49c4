package handlers

import (
	"net/http"
	"strings"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/auth"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/transfer"
	"github.com/gin-gonic/gin"
)

type createTransferRequest struct {
	FromAccountID  string         `json:"from_account_id"`
	ToAccountID    string         `json:"to_account_id"`
	Amount         string         `json:"amount"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type transferItem struct {
	TransferID     string         `json:"transfer_id"`
	FromAccountID  string         `json:"from_account_id"`
	ToAccountID    string         `json:"to_account_id"`
	Amount         string         `json:"amount"`
	AmountMicro    int64          `json:"amount_micro"`
	Status         string         `json:"status"`
	RejectReason   string         `json:"reject_reason,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
	CompletedAt    *string        `json:"completed_at,omitempty"`
	Replayed       bool           `json:"replayed,omitempty"`
}

type listTransfersResponse struct {
	Transfers  []transferItem `json:"transfers"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (h *Handler) CreateTransfer(c *gin.Context) {
	var req createTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	from, ok := parseUUIDField(c, "from_account_id", req.FromAccountID)
	if !ok {
		return
	}
	if !h.authorizeAccounts(c, from) {
		return
	}
	to, ok := parseUUIDField(c, "to_account_id", req.ToAccountID)
	if !ok {
		return
	}
	amount, ok := parseAmount(c, "amount", req.Amount)
	if !ok {
		return
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["actor"] = auth.Actor(c)

	result, err := h.Service.Transfer(c.Request.Context(), transfer.Input{
		FromAccountID:  from,
		ToAccountID:    to,
		AmountMicro:    amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		CorrelationID:  correlationID(c),
		Metadata:       metadata,
	})
	if err != nil {
		writeServiceError(c, h.Logger, "transfer", err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	item := transferToItem(result.Transfer)
	item.Replayed = result.Replayed
	c.JSON(status, item)
}

func (h *Handler) GetTransfer(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	tr, err := h.Service.Transfers().GetTransfer(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.Logger, "get transfer", err)
		return
	}
	if !h.authorizeAccounts(c, tr.FromAccountID, tr.ToAccountID) {
		return
	}
	c.JSON(http.StatusOK, transferToItem(*tr))
}

// ListTransfers looks a single transfer up by idempotency_key, or pages
// through the transfers of account_id.
func (h *Handler) ListTransfers(c *gin.Context) {
	if key := strings.TrimSpace(c.Query("idempotency_key")); key != "" {
		tr, err := h.Service.Transfers().GetTransferByIdempotencyKey(c.Request.Context(), key)
		if err != nil {
			writeServiceError(c, h.Logger, "get transfer by key", err)
			return
		}
		if !h.authorizeAccounts(c, tr.FromAccountID, tr.ToAccountID) {
			return
		}
		c.JSON(http.StatusOK, transferToItem(*tr))
		return
	}

	accountID, ok := parseUUIDField(c, "account_id", c.Query("account_id"))
	if !ok {
		return
	}
	if !h.authorizeAccounts(c, accountID) {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	transfers, next, err := h.Service.Transfers().ListTransfers(c.Request.Context(), storage.TransferFilter{
		AccountID: accountID,
		Direction: storage.TransferDirection(strings.ToLower(strings.TrimSpace(c.Query("direction")))),
		Cursor:    strings.TrimSpace(c.Query("cursor")),
		Limit:     limit,
	})
	if err != nil {
		writeServiceError(c, h.Logger, "list transfers", err)
		return
	}
	items := make([]transferItem, 0, len(transfers))
	for _, tr := range transfers {
		items = append(items, transferToItem(tr))
	}
	c.JSON(http.StatusOK, listTransfersResponse{Transfers: items, NextCursor: next})
}

func transferToItem(tr storage.Transfer) transferItem {
	return transferItem{
		TransferID:     tr.ID.String(),
		FromAccountID:  tr.FromAccountID.String(),
		ToAccountID:    tr.ToAccountID.String(),
		Amount:         money.FormatUnits(tr.AmountMicro),
		AmountMicro:    tr.AmountMicro,
		Status:         string(tr.Status),
		RejectReason:   tr.RejectReason,
		IdempotencyKey: tr.IdempotencyKey,
		CorrelationID:  tr.CorrelationID,
		Metadata:       tr.Metadata,
		CreatedAt:      formatTime(tr.CreatedAt),
		CompletedAt:    formatTimePtr(tr.CompletedAt),
	}
}
