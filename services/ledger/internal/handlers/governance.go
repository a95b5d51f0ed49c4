package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/auth"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
)

type proposeRequest struct {
	ParamKey string          `json:"param_key"`
	Scope    string          `json:"scope"`
	Value    json.RawMessage `json:"value"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type overrideRequest struct {
	Approvers     []string `json:"approvers"`
	Justification string   `json:"justification"`
}

type ruleItem struct {
	RuleID            string          `json:"rule_id"`
	ParamKey          string          `json:"param_key"`
	Scope             string          `json:"scope"`
	Value             json.RawMessage `json:"value"`
	Version           int64           `json:"version"`
	Status            string          `json:"status"`
	ProposedBy        string          `json:"proposed_by"`
	ProposedAt        string          `json:"proposed_at"`
	ApprovedBy        []string        `json:"approved_by"`
	ApprovalCount     int             `json:"approval_count"`
	RequiredApprovals int             `json:"required_approvals"`
	CooldownEndsAt    *string         `json:"cooldown_ends_at,omitempty"`
	ActivatedAt       *string         `json:"activated_at,omitempty"`
	SupersededAt      *string         `json:"superseded_at,omitempty"`
	SupersededBy      *string         `json:"superseded_by,omitempty"`
	RejectedReason    string          `json:"rejected_reason,omitempty"`
	UpdatedAt         string          `json:"updated_at"`
}

type auditItem struct {
	Action         string         `json:"action"`
	Actor          string         `json:"actor"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	NewStatus      string         `json:"new_status"`
	Version        int64          `json:"version"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

type resolveResponse[V any] struct {
	ParamKey string  `json:"param_key"`
	Scope    string  `json:"scope"`
	Value    V       `json:"value"`
	Tier     string  `json:"tier"`
	RuleID   *string `json:"rule_id,omitempty"`
	Version  int64   `json:"version"`
}

// ruleRoutes serves the lifecycle of one governed parameter family.
type ruleRoutes[V any] struct {
	engine *governance.Engine[V]
	logger *slog.Logger
}

func registerRules[V any](group *gin.RouterGroup, engine *governance.Engine[V], logger *slog.Logger) {
	rr := &ruleRoutes[V]{engine: engine, logger: logger}
	group.GET("/resolve", rr.resolve)
	group.POST("/rules", rr.propose)
	group.GET("/rules", rr.list)
	group.GET("/rules/:id", rr.get)
	group.GET("/rules/:id/audit", rr.audit)
	group.POST("/rules/:id/submit", rr.submit)
	group.POST("/rules/:id/approve", rr.approve)
	group.POST("/rules/:id/reject", rr.reject)
	group.POST("/rules/:id/override", rr.override)
}

func (rr *ruleRoutes[V]) propose(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	key := strings.TrimSpace(req.ParamKey)
	var value V
	if len(req.Value) == 0 {
		writeError(c, http.StatusBadRequest, service.CodeSchemaValidation, "value is required", nil)
		return
	}
	if err := json.Unmarshal(req.Value, &value); err != nil {
		writeServiceError(c, rr.logger, "propose rule", &governance.SchemaValidationError{ParamKey: key, Reason: err.Error()})
		return
	}
	rule, err := rr.engine.Propose(c.Request.Context(), key, strings.TrimSpace(req.Scope), value, auth.Actor(c))
	if err != nil {
		writeServiceError(c, rr.logger, "propose rule", err)
		return
	}
	c.JSON(http.StatusCreated, ruleToItem(rule.Rule))
}

func (rr *ruleRoutes[V]) list(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	filter := storage.RuleFilter{
		ParamKey: strings.TrimSpace(c.Query("param_key")),
		Status:   storage.RuleStatus(strings.TrimSpace(c.Query("status"))),
		Limit:    limit,
	}
	if scope, present := c.GetQuery("scope"); present {
		scope = strings.TrimSpace(scope)
		filter.EntityScope = &scope
	}
	rules, err := rr.engine.ListRules(c.Request.Context(), filter)
	if err != nil {
		writeServiceError(c, rr.logger, "list rules", err)
		return
	}
	items := make([]ruleItem, 0, len(rules))
	for _, r := range rules {
		items = append(items, ruleToItem(r.Rule))
	}
	c.JSON(http.StatusOK, gin.H{"rules": items})
}

func (rr *ruleRoutes[V]) get(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	rule, err := rr.engine.GetRule(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, rr.logger, "get rule", err)
		return
	}
	c.JSON(http.StatusOK, ruleToItem(rule.Rule))
}

func (rr *ruleRoutes[V]) audit(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	entries, err := rr.engine.AuditLog(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, rr.logger, "rule audit", err)
		return
	}
	items := make([]auditItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, auditItem{
			Action:         string(e.Action),
			Actor:          e.Actor,
			PreviousStatus: string(e.PreviousStatus),
			NewStatus:      string(e.NewStatus),
			Version:        e.Version,
			Reason:         e.Reason,
			Metadata:       e.Metadata,
			CreatedAt:      formatTime(e.CreatedAt),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": items})
}

func (rr *ruleRoutes[V]) submit(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	rule, err := rr.engine.Submit(c.Request.Context(), id, auth.Actor(c))
	if err != nil {
		writeServiceError(c, rr.logger, "submit rule", err)
		return
	}
	c.JSON(http.StatusOK, ruleToItem(rule.Rule))
}

func (rr *ruleRoutes[V]) approve(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	rule, err := rr.engine.Approve(c.Request.Context(), id, auth.Actor(c))
	if err != nil {
		writeServiceError(c, rr.logger, "approve rule", err)
		return
	}
	c.JSON(http.StatusOK, ruleToItem(rule.Rule))
}

func (rr *ruleRoutes[V]) reject(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	rule, err := rr.engine.Reject(c.Request.Context(), id, auth.Actor(c), strings.TrimSpace(req.Reason))
	if err != nil {
		writeServiceError(c, rr.logger, "reject rule", err)
		return
	}
	c.JSON(http.StatusOK, ruleToItem(rule.Rule))
}

// override counts the caller among the approvers.
func (rr *ruleRoutes[V]) override(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "invalid payload", nil)
		return
	}
	approvers := req.Approvers
	if actor := auth.Actor(c); !slices.Contains(approvers, actor) {
		approvers = append(approvers, actor)
	}
	rule, err := rr.engine.OverrideCooldown(c.Request.Context(), id, approvers, req.Justification)
	if err != nil {
		writeServiceError(c, rr.logger, "override rule", err)
		return
	}
	c.JSON(http.StatusOK, ruleToItem(rule.Rule))
}

func (rr *ruleRoutes[V]) resolve(c *gin.Context) {
	key := strings.TrimSpace(c.Query("param_key"))
	if key == "" {
		writeError(c, http.StatusBadRequest, service.CodeInvalidArgument, "param_key is required", nil)
		return
	}
	scope := strings.TrimSpace(c.Query("scope"))
	res, err := rr.engine.Resolve(c.Request.Context(), key, scope)
	if err != nil {
		writeServiceError(c, rr.logger, "resolve parameter", err)
		return
	}
	resp := resolveResponse[V]{
		ParamKey: key,
		Scope:    scope,
		Value:    res.Value,
		Tier:     string(res.Tier),
		Version:  res.Version,
	}
	if res.RuleID != nil {
		s := res.RuleID.String()
		resp.RuleID = &s
	}
	c.JSON(http.StatusOK, resp)
}

func ruleToItem(r storage.Rule) ruleItem {
	item := ruleItem{
		RuleID:            r.ID.String(),
		ParamKey:          r.ParamKey,
		Scope:             r.EntityScope,
		Value:             json.RawMessage(r.Value),
		Version:           r.Version,
		Status:            string(r.Status),
		ProposedBy:        r.ProposedBy,
		ProposedAt:        formatTime(r.ProposedAt),
		ApprovedBy:        r.ApprovedBy,
		ApprovalCount:     r.ApprovalCount,
		RequiredApprovals: r.RequiredApprovals,
		CooldownEndsAt:    formatTimePtr(r.CooldownEndsAt),
		ActivatedAt:       formatTimePtr(r.ActivatedAt),
		SupersededAt:      formatTimePtr(r.SupersededAt),
		RejectedReason:    r.RejectedReason,
		UpdatedAt:         formatTime(r.UpdatedAt),
	}
	if item.ApprovedBy == nil {
		item.ApprovedBy = []string{}
	}
	if r.SupersededBy != nil {
		s := r.SupersededBy.String()
		item.SupersededBy = &s
	}
	return item
}
