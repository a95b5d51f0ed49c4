package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/distribution"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
)

type reserveRequest struct {
	AccountID      string `json:"account_id"`
	PoolID         string `json:"pool_id"`
	Amount         string `json:"amount"`
	BillingMode    string `json:"billing_mode"`
	TTLSeconds     int64  `json:"ttl_seconds"`
	IdempotencyKey string `json:"idempotency_key"`
}

type finalizeRequest struct {
	ActualCost  string `json:"actual_cost"`
	CommunityID string `json:"community_id"`
}

type reservationLotItem struct {
	LotID       string `json:"lot_id"`
	AmountMicro int64  `json:"amount_micro"`
}

type reservationItem struct {
	ReservationID   string               `json:"reservation_id"`
	AccountID       string               `json:"account_id"`
	PoolID          string               `json:"pool_id"`
	Amount          string               `json:"amount"`
	AmountMicro     int64                `json:"amount_micro"`
	Status          string               `json:"status"`
	BillingMode     string               `json:"billing_mode"`
	IdempotencyKey  string               `json:"idempotency_key,omitempty"`
	ActualCostMicro int64                `json:"actual_cost_micro"`
	ChargedMicro    int64                `json:"charged_micro"`
	OverrunMicro    int64                `json:"overrun_micro"`
	ExpiresAt       string               `json:"expires_at"`
	FinalizedAt     *string              `json:"finalized_at,omitempty"`
	CreatedAt       string               `json:"created_at"`
	Lots            []reservationLotItem `json:"lots,omitempty"`
	Replayed        bool                 `json:"replayed,omitempty"`
}

type finalizeResponse struct {
	Reservation   reservationItem          `json:"reservation"`
	Charged       string                   `json:"charged"`
	ChargedMicro  int64                    `json:"charged_micro"`
	ReleasedMicro int64                    `json:"released_micro"`
	OverrunMicro  int64                    `json:"overrun_micro"`
	EntrySeq      int64                    `json:"entry_seq"`
	Replayed      bool                     `json:"replayed"`
	Distribution  *distribution.PostResult `json:"distribution,omitempty"`
}

func (h *Handler) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	accountID, ok := parseUUIDField(c, "account_id", req.AccountID)
	if !ok {
		return
	}
	if !h.authorizeAccounts(c, accountID) {
		return
	}
	amount, ok := parseAmount(c, "amount", req.Amount)
	if !ok {
		return
	}
	if req.TTLSeconds < 0 {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid ttl_seconds", nil)
		return
	}

	view, err := h.Service.Credit().Reserve(c.Request.Context(), credit.ReserveInput{
		AccountID:      accountID,
		PoolID:         strings.TrimSpace(req.PoolID),
		AmountMicro:    amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		BillingMode:    strings.ToLower(strings.TrimSpace(req.BillingMode)),
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(c, h.Logger, "reserve", err)
		return
	}
	status := http.StatusCreated
	if view.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, reservationToItem(view))
}

func (h *Handler) GetReservation(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	view, ok := h.authorizeReservation(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, reservationToItem(view))
}

func (h *Handler) Finalize(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	if _, ok := h.authorizeReservation(c, id); !ok {
		return
	}
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	cost, ok := parseAmount(c, "actual_cost", req.ActualCost)
	if !ok {
		return
	}

	out, err := h.Service.Finalize(c.Request.Context(), service.FinalizeInput{
		ReservationID:   id,
		ActualCostMicro: cost,
		CommunityID:     strings.TrimSpace(req.CommunityID),
		CorrelationID:   correlationID(c),
	})
	if err != nil {
		writeServiceError(c, h.Logger, "finalize", err)
		return
	}
	result := out.Finalize
	c.JSON(http.StatusOK, finalizeResponse{
		Reservation:   reservationToItem(&credit.ReservationView{Reservation: result.Reservation}),
		Charged:       money.FormatUnits(result.ChargedMicro),
		ChargedMicro:  result.ChargedMicro,
		ReleasedMicro: result.ReleasedMicro,
		OverrunMicro:  result.OverrunMicro,
		EntrySeq:      result.EntrySeq,
		Replayed:      result.Replayed,
		Distribution:  out.Distribution,
	})
}

func (h *Handler) Release(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	if _, ok := h.authorizeReservation(c, id); !ok {
		return
	}
	res, err := h.Service.Credit().Release(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.Logger, "release", err)
		return
	}
	c.JSON(http.StatusOK, reservationToItem(&credit.ReservationView{Reservation: *res}))
}

func reservationToItem(view *credit.ReservationView) reservationItem {
	res := view.Reservation
	item := reservationItem{
		ReservationID:   res.ID.String(),
		AccountID:       res.AccountID.String(),
		PoolID:          res.PoolID,
		Amount:          money.FormatUnits(res.TotalReservedMicro),
		AmountMicro:     res.TotalReservedMicro,
		Status:          string(res.Status),
		BillingMode:     res.BillingMode,
		IdempotencyKey:  res.IdempotencyKey,
		ActualCostMicro: res.ActualCostMicro,
		ChargedMicro:    res.ChargedMicro,
		OverrunMicro:    res.OverrunMicro,
		ExpiresAt:       formatTime(res.ExpiresAt),
		FinalizedAt:     formatTimePtr(res.FinalizedAt),
		CreatedAt:       formatTime(res.CreatedAt),
		Replayed:        view.Replayed,
	}
	if item.BillingMode == "" {
		item.BillingMode = storage.BillingModeLive
	}
	for _, l := range view.Lots {
		item.Lots = append(item.Lots, reservationLotItem{LotID: l.LotID.String(), AmountMicro: l.AmountMicro})
	}
	return item
}
