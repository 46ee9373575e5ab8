// Journey HTTP handlers.
//
// This file exposes the postback and inspection endpoints of the engine:
//   - POST /journeys/stage          (lifecycle postback: stage + deposit)
//   - POST /journeys/start          (expand a journey template)
//   - POST /unsubscribe             (opt-out: email, sms, or global)
//   - GET  /journeys/stats          (dashboard aggregate)
//   - GET  /journeys/{customer_id}  (state + message inspection)
//   - POST /dispatch/run            (manual dispatcher pass)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results (including the business refusals) into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
	"github.com/lifecyclehq/go-journey-backend/internal/http/middleware"
	"github.com/lifecyclehq/go-journey-backend/internal/repo"
	"github.com/lifecyclehq/go-journey-backend/internal/services"
	"github.com/lifecyclehq/go-journey-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// JourneyService defines the journey lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type JourneyService interface {
	// UpdateStage applies a lifecycle postback to the (customer, operator) state.
	UpdateStage(ctx context.Context, customerID, operatorID string, stage int, depositAmount float64) (*domain.JourneyState, error)
	// StartJourney expands a journey template into scheduled messages.
	StartJourney(ctx context.Context, req services.StartJourneyRequest) (*services.StartResult, error)
	// Unsubscribe sets an opt-out flag and cancels the affected pending messages.
	Unsubscribe(ctx context.Context, customerID, operatorID string, scope services.UnsubscribeScope) (*domain.JourneyState, error)
	// GetState returns a state and its messages for inspection.
	GetState(ctx context.Context, customerID, operatorID string) (*domain.JourneyState, []domain.JourneyMessage, error)
	// Stats returns the dashboard aggregate, optionally scoped to one operator.
	Stats(ctx context.Context, operatorID string) (*repo.JourneyStats, error)
}

// DispatchRunner defines the manual dispatcher pass consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type DispatchRunner interface {
	// ProcessPending runs one dispatcher pass over at most limit due messages.
	ProcessPending(ctx context.Context, limit int) (*services.Report, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for journeys and dispatching. It depends
// on abstract service interfaces to keep transport concerns separate from
// business logic.
type Handlers struct {
	journeySvc JourneyService
	dispatcher DispatchRunner
}

// New constructs and returns a Handlers instance bound to the given services.
func New(journeySvc JourneyService, dispatcher DispatchRunner) *Handlers {
	return &Handlers{journeySvc: journeySvc, dispatcher: dispatcher}
}

//
// DTOs
//

// StageUpdateRequest is the JSON payload of a lifecycle postback.
type StageUpdateRequest struct {
	// CustomerID identifies the customer at the sending operator.
	CustomerID string `json:"customer_id" binding:"required" example:"cust-001"`
	// OperatorID identifies the tenant the postback belongs to.
	OperatorID string `json:"operator_id" binding:"required" example:"op-lucky7"`
	// Stage is the proposed lifecycle stage (-1..3+). The stored stage never
	// regresses, so out-of-order postbacks are safe.
	Stage int `json:"stage" example:"1"`
	// DepositAmount, when > 0, is recorded against the deposit counters.
	DepositAmount float64 `json:"deposit_amount" example:"50"`
}

// StartJourneyRequest is the JSON payload for expanding a journey template.
type StartJourneyRequest struct {
	CustomerID string `json:"customer_id" binding:"required" example:"cust-001"`
	OperatorID string `json:"operator_id" binding:"required" example:"op-lucky7"`
	// OperatorName is the display name used in rendered message content.
	OperatorName string `json:"operator_name" example:"Lucky7 Casino"`
	// JourneyType selects the template: "acquisition" or "retention".
	JourneyType string `json:"journey_type" binding:"required" example:"acquisition"`
}

// UnsubscribeRequest is the JSON payload of an opt-out event.
type UnsubscribeRequest struct {
	CustomerID string `json:"customer_id" binding:"required" example:"cust-001"`
	OperatorID string `json:"operator_id" binding:"required" example:"op-lucky7"`
	// Scope is "email", "sms", or "global".
	Scope string `json:"scope" binding:"required" example:"email"`
}

// StateResponse wraps a journey state together with its message history.
type StateResponse struct {
	State    *domain.JourneyState    `json:"state"`
	Messages []domain.JourneyMessage `json:"messages"`
}

//
// Helpers
//

// middlewareGetIdempotencyKey extracts an idempotency key if an upstream
// middleware has already validated/stashed it. The fallback behavior reads
// the "Idempotency-Key" header directly when no dedicated middleware exists.
func middlewareGetIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}

// replayState short-circuits a replayed postback: it returns the current
// state (when one exists) with the Idempotency-Replayed header instead of
// reapplying the event. Returns true when the response has been written.
func (h *Handlers) replayState(c *gin.Context, customerID, operatorID string) bool {
	st, _, err := h.journeySvc.GetState(c.Request.Context(), customerID, operatorID)
	if err != nil {
		return false // no prior state, fall through to normal processing
	}
	c.Header("Idempotency-Replayed", "true")
	ok(c, http.StatusOK, st)
	return true
}

// storeIdempotency records a completed postback best effort so subsequent
// replays of the same key are detected by the middleware lookup.
func (h *Handlers) storeIdempotency(ctx context.Context, c *gin.Context, customerID, operatorID, eventType string) {
	idemKey, _ := middlewareGetIdempotencyKey(c)
	if idemKey == "" {
		return
	}
	if svc, okSvc := h.journeySvc.(*services.JourneyService); okSvc && svc.DB != nil {
		ttl := 24 * time.Hour
		_, _ = repo.CreateIdempotency(ctx, svc.DB, customerID, operatorID, idemKey, eventType, http.StatusOK, ttl)
	}
}

//
// Handlers
//

// UpdateStage godoc
// @ID          updateStage
// @Summary     Apply a lifecycle postback
// @Description Creates the journey state if absent, raises the stage monotonically, and records deposits.
// @Tags        Journeys
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.StageUpdateRequest  true  "Stage postback payload"
//
// @Success     200  {object}  domain.JourneyState
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /journeys/stage [post]
func (h *Handlers) UpdateStage(c *gin.Context) {
	var req StageUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Stage < domain.StageUnregistered {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "stage must be >= -1")
		return
	}
	if req.DepositAmount < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "deposit_amount must be >= 0")
		return
	}

	// Idempotency (replay path): a replayed deposit postback must not
	// double-count, so return the current state instead of reapplying.
	if middleware.IsReplay(c) && h.replayState(c, req.CustomerID, req.OperatorID) {
		return
	}

	st, err := h.journeySvc.UpdateStage(c.Request.Context(), req.CustomerID, req.OperatorID, req.Stage, req.DepositAmount)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStageFailed, err.Error())
		return
	}

	// Idempotency (store path) – best effort.
	h.storeIdempotency(c.Request.Context(), c, req.CustomerID, req.OperatorID, "stage_update")

	ok(c, http.StatusOK, st)
}

// StartJourney godoc
// @ID          startJourney
// @Summary     Start a journey
// @Description Expands the named template into scheduled messages for the (customer, operator) state.
// @Tags        Journeys
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.StartJourneyRequest  true  "Start journey payload"
//
// @Success     201  {object}  services.StartResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request / unknown journey type"
// @Failure     404  {object}  handlers.ErrorResponse  "Customer not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Stopped, out of range, or already active"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /journeys/start [post]
func (h *Handlers) StartJourney(c *gin.Context) {
	var req StartJourneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	// Idempotency (replay path): the duplicate-journey guard would refuse
	// anyway; a recognized replay gets a clean 200 instead of a 409.
	if middleware.IsReplay(c) && h.replayState(c, req.CustomerID, req.OperatorID) {
		return
	}

	res, err := h.journeySvc.StartJourney(c.Request.Context(), services.StartJourneyRequest{
		CustomerID:   req.CustomerID,
		OperatorID:   req.OperatorID,
		OperatorName: strings.TrimSpace(req.OperatorName),
		JourneyType:  domain.JourneyType(req.JourneyType),
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownJourneyType):
			fail(c, http.StatusBadRequest, ErrCodeUnknownJourney, err.Error())
		case errors.Is(err, services.ErrJourneyStopped):
			fail(c, http.StatusConflict, ErrCodeJourneyStopped, err.Error())
		case errors.Is(err, services.ErrStageOutOfRange):
			fail(c, http.StatusConflict, ErrCodeStageOutOfRange, err.Error())
		case errors.Is(err, services.ErrJourneyActive):
			fail(c, http.StatusConflict, ErrCodeJourneyActive, "a journey of this type is already running")
		case errors.Is(err, services.ErrCustomerNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "customer not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeStartFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	h.storeIdempotency(c.Request.Context(), c, req.CustomerID, req.OperatorID, "journey_start")

	ok(c, http.StatusCreated, res)
}

// Unsubscribe godoc
// @ID          unsubscribe
// @Summary     Record an opt-out
// @Description Sets the opt-out flag for the given scope and cancels affected pending messages. Idempotent.
// @Tags        Journeys
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.UnsubscribeRequest  true  "Unsubscribe payload"
//
// @Success     200  {object}  domain.JourneyState
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request / invalid scope"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /unsubscribe [post]
func (h *Handlers) Unsubscribe(c *gin.Context) {
	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	scope, err := services.ParseScope(req.Scope)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scope must be email, sms, or global")
		return
	}

	st, err := h.journeySvc.Unsubscribe(c.Request.Context(), req.CustomerID, req.OperatorID, scope)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeUnsubFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, st)
}

// GetState godoc
// @ID          getJourneyState
// @Summary     Inspect a journey state
// @Description Returns the journey state and full message history for a (customer, operator) pair.
// @Tags        Journeys
// @Produce     json
//
// @Param       customer_id  path   string  true  "Customer ID"   example(cust-001)
// @Param       operator_id  query  string  true  "Operator ID"   example(op-lucky7)
//
// @Success     200  {object}  handlers.StateResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing operator_id"
// @Failure     404  {object}  handlers.ErrorResponse  "State not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /journeys/{customer_id} [get]
func (h *Handlers) GetState(c *gin.Context) {
	customerID := c.Param("customer_id")
	operatorID := strings.TrimSpace(c.Query("operator_id"))
	if operatorID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operator_id query parameter required")
		return
	}

	st, msgs, err := h.journeySvc.GetState(c.Request.Context(), customerID, operatorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "journey state not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, StateResponse{State: st, Messages: msgs})
}

// Stats godoc
// @ID          journeyStats
// @Summary     Journey statistics
// @Description Returns aggregate journey and message counts, optionally scoped to one operator.
// @Tags        Journeys
// @Produce     json
//
// @Param       operator_id  query  string  false  "Operator ID filter"  example(op-lucky7)
//
// @Success     200  {object}  repo.JourneyStats
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /journeys/stats [get]
func (h *Handlers) Stats(c *gin.Context) {
	stats, err := h.journeySvc.Stats(c.Request.Context(), strings.TrimSpace(c.Query("operator_id")))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, stats)
}

// RunDispatch godoc
// @ID          runDispatch
// @Summary     Run a dispatcher pass
// @Description Triggers one synchronous dispatcher pass over at most `limit` due messages.
// @Tags        Dispatch
// @Produce     json
//
// @Param       limit  query  int  false  "Max messages to process"  minimum(1) maximum(500) default(50)
//
// @Success     200  {object}  services.Report
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dispatch/run [post]
func (h *Handlers) RunDispatch(c *gin.Context) {
	const (
		defaultLimit = 50
		maxLimit     = 500
	)
	limit := utils.AtoiDefault(c.Query("limit"), defaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rep, err := h.dispatcher.ProcessPending(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDispatchFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, rep)
}
