package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/auth"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/httpmiddleware"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Handler struct {
	Service *service.LedgerService
	Logger  *slog.Logger
}

func New(svc *service.LedgerService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

// Register mounts the /v1 API. limiter runs after authentication so it can
// key on the actor; nil disables rate limiting.
func (h *Handler) Register(r *gin.Engine, jwtSecret []byte, limiter gin.HandlerFunc) {
	v1 := r.Group("/v1", auth.Middleware(jwtSecret))
	if limiter != nil {
		v1.Use(limiter)
	}
	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))

	v1.POST("/accounts", h.EnsureAccount)
	v1.GET("/accounts/:id", h.GetAccount)
	v1.GET("/accounts/:id/balance", h.GetBalance)
	v1.GET("/accounts/:id/lots", h.ListLots)
	v1.GET("/accounts/:id/entries", h.ListEntries)
	v1.GET("/accounts/:id/referral-earnings", h.ReferrerEarnings)
	admin.POST("/accounts/:id/lots", h.Mint)
	admin.GET("/accounts/:id/reconcile", h.Reconcile)

	v1.POST("/reservations", h.Reserve)
	v1.GET("/reservations/:id", h.GetReservation)
	v1.POST("/reservations/:id/finalize", h.Finalize)
	v1.POST("/reservations/:id/release", h.Release)

	v1.GET("/distributions/preview", h.PreviewDistribution)
	admin.POST("/distributions", h.PostDistribution)
	v1.POST("/referrals", h.AttributeReferral)

	v1.POST("/transfers", h.CreateTransfer)
	v1.GET("/transfers", h.ListTransfers)
	v1.GET("/transfers/:id", h.GetTransfer)

	registerRules(admin.Group("/governance/revenue"), h.Service.Revenue().Engine, h.Logger)
	registerRules(admin.Group("/governance/config"), h.Service.Config().Engine, h.Logger)
}

// authorizeAccounts passes admins, and otherwise requires the caller's token
// subject to own at least one of the accounts. It writes the error response
// when the request may not proceed.
func (h *Handler) authorizeAccounts(c *gin.Context, ids ...uuid.UUID) bool {
	if auth.HasRole(c, auth.RoleAdmin) {
		return true
	}
	actor := auth.Actor(c)
	for _, id := range ids {
		acct, err := h.Service.Credit().GetAccount(c.Request.Context(), id)
		if err != nil {
			writeServiceError(c, h.Logger, "authorize account", err)
			return false
		}
		if acct.EntityType != storage.EntityTypeSystem && acct.EntityID == actor {
			return true
		}
	}
	h.Logger.Warn("account access denied", "actor", actor, "request_id", correlationID(c))
	writeError(c, http.StatusForbidden, service.CodeForbidden, "account is not owned by the caller", nil)
	return false
}

// authorizeReservation loads a reservation the caller may act on.
func (h *Handler) authorizeReservation(c *gin.Context, id uuid.UUID) (*credit.ReservationView, bool) {
	view, err := h.Service.Credit().GetReservation(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.Logger, "get reservation", err)
		return nil, false
	}
	if !h.authorizeAccounts(c, view.Reservation.AccountID) {
		return nil, false
	}
	return view, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param(name)))
	if err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}

func parseUUIDField(c *gin.Context, field, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid "+field, nil)
		return uuid.Nil, false
	}
	return id, true
}

func parseAmount(c *gin.Context, field, raw string) (int64, bool) {
	micro, err := money.ParseUnits(raw)
	if err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidAmount, "invalid "+field, map[string]string{"reason": err.Error()})
		return 0, false
	}
	return micro, true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid limit", nil)
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func idempotencyKey(c *gin.Context, body string) string {
	if header := strings.TrimSpace(c.GetHeader("Idempotency-Key")); header != "" {
		return header
	}
	return strings.TrimSpace(body)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func correlationID(c *gin.Context) string {
	return httpmiddleware.GetRequestID(c)
}
