package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/distribution"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/gin-gonic/gin"
)

// postDistributionRequest names a finalized reservation. Payer, pool, charge
// and entry seq are read from the reservation itself.
type postDistributionRequest struct {
	ReservationID string `json:"reservation_id"`
	CommunityID   string `json:"community_id"`
}

type referralRequest struct {
	AccountID         string `json:"account_id"`
	ReferrerAccountID string `json:"referrer_account_id"`
	WindowDays        int    `json:"window_days"`
}

type referralResponse struct {
	ReferralID        string  `json:"referral_id"`
	AccountID         string  `json:"account_id"`
	ReferrerAccountID string  `json:"referrer_account_id"`
	CreatedAt         string  `json:"created_at"`
	ExpiresAt         *string `json:"expires_at,omitempty"`
}

type earningItem struct {
	RefereeAccountID string  `json:"referee_account_id"`
	ReservationID    *string `json:"reservation_id,omitempty"`
	EntrySeq         int64   `json:"entry_seq"`
	ChargeMicro      int64   `json:"charge_micro"`
	ShareMicro       int64   `json:"share_micro"`
	RateBps          int64   `json:"rate_bps"`
	CreatedAt        string  `json:"created_at"`
}

func (h *Handler) PreviewDistribution(c *gin.Context) {
	charge, ok := parseAmount(c, "charge", c.Query("charge"))
	if !ok {
		return
	}
	var referrerBps *int64
	if raw := strings.TrimSpace(c.Query("referrer_bps")); raw != "" {
		bps, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid referrer_bps", nil)
			return
		}
		referrerBps = &bps
	}
	calc, err := h.Service.Distribution().Calculate(c.Request.Context(), charge, strings.TrimSpace(c.Query("scope")), referrerBps)
	if err != nil {
		writeServiceError(c, h.Logger, "preview distribution", err)
		return
	}
	c.JSON(http.StatusOK, calc)
}

func (h *Handler) PostDistribution(c *gin.Context) {
	var req postDistributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	reservationID, ok := parseUUIDField(c, "reservation_id", req.ReservationID)
	if !ok {
		return
	}
	view, err := h.Service.Credit().GetReservation(c.Request.Context(), reservationID)
	if err != nil {
		writeServiceError(c, h.Logger, "post distribution", err)
		return
	}
	res := view.Reservation

	result, err := h.Service.PostDistribution(c.Request.Context(), distribution.PostInput{
		AccountID:     res.AccountID,
		PoolID:        res.PoolID,
		CommunityID:   strings.TrimSpace(req.CommunityID),
		ChargeMicro:   res.ChargedMicro,
		ReservationID: res.ID,
		EntrySeq:      res.FinalizeEntrySeq,
	}, correlationID(c))
	if err != nil {
		writeServiceError(c, h.Logger, "post distribution", err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyPosted {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) AttributeReferral(c *gin.Context) {
	var req referralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	refereeID, ok := parseUUIDField(c, "account_id", req.AccountID)
	if !ok {
		return
	}
	if !h.authorizeAccounts(c, refereeID) {
		return
	}
	referrerID, ok := parseUUIDField(c, "referrer_account_id", req.ReferrerAccountID)
	if !ok {
		return
	}
	if req.WindowDays < 0 {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid window_days", nil)
		return
	}

	ref, err := h.Service.Distribution().AttributeReferral(c.Request.Context(), refereeID, referrerID, time.Duration(req.WindowDays)*24*time.Hour)
	if err != nil {
		writeServiceError(c, h.Logger, "attribute referral", err)
		return
	}
	c.JSON(http.StatusCreated, referralResponse{
		ReferralID:        ref.ID.String(),
		AccountID:         ref.AccountID.String(),
		ReferrerAccountID: ref.ReferrerAccountID.String(),
		CreatedAt:         formatTime(ref.CreatedAt),
		ExpiresAt:         formatTimePtr(ref.ExpiresAt),
	})
}

func (h *Handler) ReferrerEarnings(c *gin.Context) {
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
	earnings, err := h.Service.Distribution().ReferrerEarnings(c.Request.Context(), id, limit)
	if err != nil {
		writeServiceError(c, h.Logger, "referrer earnings", err)
		return
	}
	items := make([]earningItem, 0, len(earnings))
	var total int64
	for _, e := range earnings {
		item := earningItem{
			RefereeAccountID: e.RefereeAccountID.String(),
			EntrySeq:         e.EntrySeq,
			ChargeMicro:      e.ChargeMicro,
			ShareMicro:       e.ShareMicro,
			RateBps:          e.RateBps,
			CreatedAt:        formatTime(e.CreatedAt),
		}
		if e.ReservationID != nil {
			s := e.ReservationID.String()
			item.ReservationID = &s
		}
		total += e.ShareMicro
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"earnings": items, "total_micro": total})
}
