package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tomclarke/ledgermatch/internal/application/service"
	"github.com/tomclarke/ledgermatch/internal/domain/entity"
	"github.com/tomclarke/ledgermatch/internal/ledger"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	ledger service.LedgerService
	logger Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(ledgerService service.LedgerService, logger Logger) *Handlers {
	return &Handlers{
		ledger: ledgerService,
		logger: logger,
	}
}

// Response is the standard JSON envelope.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Meta  interface{} `json:"meta,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries a structured domain error over the wire.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{OK: true, Data: data})
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	le := ledger.AsError(err)
	if le.Code == ledger.CodeInternal {
		h.logger.Error("Request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(le.HTTPStatus(), Response{
		OK: false,
		Error: &ErrorBody{
			Code:    string(le.Code),
			Message: le.Message,
			Details: le.Details,
		},
	})
}

func (h *Handlers) respondValidation(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		OK:    false,
		Error: &ErrorBody{Code: string(ledger.CodeValidation), Message: message},
	})
}

// actorFrom derives the audit actor from request headers.
func actorFrom(c *gin.Context) entity.Actor {
	actor := c.GetHeader("X-Actor")
	if actor == "" {
		actor = "api"
	}
	return entity.Actor{Actor: actor, Channel: "http"}
}

// LinkResponse represents an allocation link in API responses
type LinkResponse struct {
	ID             string  `json:"id"`
	ExpenseOutID   string  `json:"expenseOutId"`
	ExpenseInID    string  `json:"expenseInId"`
	AmountMinor    int64   `json:"amountMinor"`
	IdempotencyKey *string `json:"idempotencyKey,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

// StatusResponse represents the derived reimbursement view of an expense
type StatusResponse struct {
	ExpenseID        string         `json:"expenseId"`
	Status           string         `json:"status"`
	RecoverableMinor int64          `json:"recoverableMinor"`
	RecoveredMinor   int64          `json:"recoveredMinor"`
	OutstandingMinor int64          `json:"outstandingMinor"`
	Links            []LinkResponse `json:"links"`
}

// RuleResponse represents a category match rule in API responses
type RuleResponse struct {
	ID                string `json:"id"`
	ExpenseCategoryID string `json:"expenseCategoryId"`
	InboundCategoryID string `json:"inboundCategoryId"`
	Enabled           bool   `json:"enabled"`
}

// LinkRequest is the body of POST /reimbursements/link
type LinkRequest struct {
	ExpenseOutID   string  `json:"expenseOutId" binding:"required"`
	ExpenseInID    string  `json:"expenseInId" binding:"required"`
	AmountMinor    int64   `json:"amountMinor" binding:"required"`
	IdempotencyKey *string `json:"idempotencyKey"`
}

// CloseRequest is the body of POST /reimbursements/:id/close
type CloseRequest struct {
	CloseOutstandingMinor *int64  `json:"closeOutstandingMinor"`
	Reason                *string `json:"reason"`
}

// RuleRequest is the body of POST /reimbursements/category-rules
type RuleRequest struct {
	ExpenseCategoryID string `json:"expenseCategoryId" binding:"required"`
	InboundCategoryID string `json:"inboundCategoryId" binding:"required"`
	Enabled           *bool  `json:"enabled"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Link handles POST /reimbursements/link
func (h *Handlers) Link(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondValidation(c, "invalid link request: "+err.Error())
		return
	}

	link, err := h.ledger.Link(c.Request.Context(), actorFrom(c), service.LinkParams{
		ExpenseOutID:   req.ExpenseOutID,
		ExpenseInID:    req.ExpenseInID,
		AmountMinor:    req.AmountMinor,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	respondOK(c, http.StatusCreated, toLinkResponse(link))
}

// GetStatus handles GET /reimbursements/:id
func (h *Handlers) GetStatus(c *gin.Context) {
	summary, err := h.ledger.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, toStatusResponse(summary))
}

// Close handles POST /reimbursements/:id/close
func (h *Handlers) Close(c *gin.Context) {
	var req CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondValidation(c, "invalid close request: "+err.Error())
		return
	}

	summary, err := h.ledger.Close(c.Request.Context(), actorFrom(c), service.CloseParams{
		ExpenseOutID:          c.Param("id"),
		CloseOutstandingMinor: req.CloseOutstandingMinor,
		Reason:                req.Reason,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, toStatusResponse(summary))
}

// Reopen handles POST /reimbursements/:id/reopen
func (h *Handlers) Reopen(c *gin.Context) {
	summary, err := h.ledger.Reopen(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, toStatusResponse(summary))
}

// AutoMatch handles POST /reimbursements/auto-match
func (h *Handlers) AutoMatch(c *gin.Context) {
	from, ok := h.parseTimeParam(c, "from")
	if !ok {
		return
	}
	to, ok := h.parseTimeParam(c, "to")
	if !ok {
		return
	}

	result, err := h.ledger.AutoMatch(c.Request.Context(), actorFrom(c), from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, result)
}

// ListCategoryRules handles GET /reimbursements/category-rules
func (h *Handlers) ListCategoryRules(c *gin.Context) {
	rules, err := h.ledger.ListCategoryRules(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	responses := make([]RuleResponse, 0, len(rules))
	for _, rule := range rules {
		responses = append(responses, toRuleResponse(rule))
	}
	respondOK(c, http.StatusOK, responses)
}

// CreateCategoryRule handles POST /reimbursements/category-rules
func (h *Handlers) CreateCategoryRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondValidation(c, "invalid rule request: "+err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule, err := h.ledger.CreateCategoryRule(c.Request.Context(), actorFrom(c), service.RuleParams{
		ExpenseCategoryID: req.ExpenseCategoryID,
		InboundCategoryID: req.InboundCategoryID,
		Enabled:           enabled,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, toRuleResponse(rule))
}

// DeleteCategoryRule handles DELETE /reimbursements/category-rules/:id using
// the two-call pattern: ?dryRun=true mints an approval token,
// ?approveOperationId=... redeems it and deletes.
func (h *Handlers) DeleteCategoryRule(c *gin.Context) {
	id := c.Param("id")

	if c.Query("dryRun") == "true" {
		approval, err := h.ledger.DryRunDeleteCategoryRule(c.Request.Context(), id)
		if err != nil {
			h.respondError(c, err)
			return
		}
		respondOK(c, http.StatusOK, approval)
		return
	}

	operationID := c.Query("approveOperationId")
	if operationID == "" {
		h.respondValidation(c, "either dryRun=true or approveOperationId is required")
		return
	}

	if err := h.ledger.DeleteCategoryRule(c.Request.Context(), actorFrom(c), id, operationID); err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": id})
}

// Unlink handles DELETE /reimbursements/:id and DELETE
// /reimbursements/links/:id for a link id, with the same dry-run/approve
// two-call pattern as rule deletion.
func (h *Handlers) Unlink(c *gin.Context) {
	id := c.Param("id")

	if c.Query("dryRun") == "true" {
		approval, err := h.ledger.DryRunUnlink(c.Request.Context(), id)
		if err != nil {
			h.respondError(c, err)
			return
		}
		respondOK(c, http.StatusOK, approval)
		return
	}

	operationID := c.Query("approveOperationId")
	if operationID == "" {
		h.respondValidation(c, "either dryRun=true or approveOperationId is required")
		return
	}

	if err := h.ledger.Unlink(c.Request.Context(), actorFrom(c), id, operationID); err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": id})
}

// parseTimeParam accepts RFC3339 timestamps or plain dates.
func (h *Handlers) parseTimeParam(c *gin.Context, name string) (*time.Time, bool) {
	value := c.Query(name)
	if value == "" {
		return nil, true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, true
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return &t, true
	}
	h.respondValidation(c, "invalid "+name+" parameter, want RFC3339 or YYYY-MM-DD")
	return nil, false
}

func toLinkResponse(link *entity.ReimbursementLink) LinkResponse {
	return LinkResponse{
		ID:             link.ID,
		ExpenseOutID:   link.ExpenseOutID,
		ExpenseInID:    link.ExpenseInID,
		AmountMinor:    link.AmountMinor,
		IdempotencyKey: link.IdempotencyKey,
		CreatedAt:      link.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toStatusResponse(summary *service.ExpenseStatusSummary) StatusResponse {
	links := make([]LinkResponse, 0, len(summary.Links))
	for _, link := range summary.Links {
		links = append(links, toLinkResponse(link))
	}
	return StatusResponse{
		ExpenseID:        summary.Expense.ID,
		Status:           string(summary.Expense.ReimbursementStatus),
		RecoverableMinor: summary.RecoverableMinor,
		RecoveredMinor:   summary.RecoveredMinor,
		OutstandingMinor: summary.OutstandingMinor,
		Links:            links,
	}
}

func toRuleResponse(rule *entity.ReimbursementCategoryRule) RuleResponse {
	return RuleResponse{
		ID:                rule.ID,
		ExpenseCategoryID: rule.ExpenseCategoryID,
		InboundCategoryID: rule.InboundCategoryID,
		Enabled:           rule.Enabled,
	}
}
