// Package services – JourneyService
//
// This file implements the stage transition engine, the template runner, and
// the unsubscribe handler. It owns every mutation of a JourneyState: external
// lifecycle events (registration and deposit postbacks) enter through
// UpdateStage, journey templates are expanded through StartJourney, and
// opt-outs land in Unsubscribe. All mutations of one state run inside a
// single transaction with the row locked, so a stage transition to "stopped"
// and a concurrent dispatcher pass cannot race.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// customer/operator identifiers.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
	"github.com/lifecyclehq/go-journey-backend/internal/repo"
	"github.com/lifecyclehq/go-journey-backend/internal/templates"
)

// CustomerDirectory resolves customer contact destinations. The dashboard
// owns the full customer record; the engine only needs addresses.
type CustomerDirectory interface {
	// GetCustomer returns the destinations for a customer id, or an error
	// when no record exists.
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
}

// UnsubscribeScope selects which opt-out flag an unsubscribe request sets.
type UnsubscribeScope string

// Unsubscribe scopes. Global blocks both channels for good.
const (
	ScopeEmail  UnsubscribeScope = "email"
	ScopeSMS    UnsubscribeScope = "sms"
	ScopeGlobal UnsubscribeScope = "global"
)

// ParseScope validates a raw scope string.
func ParseScope(s string) (UnsubscribeScope, error) {
	switch UnsubscribeScope(s) {
	case ScopeEmail, ScopeSMS, ScopeGlobal:
		return UnsubscribeScope(s), nil
	default:
		return "", ErrInvalidScope
	}
}

// JourneyService coordinates journey state mutations and template expansion.
type JourneyService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Directory resolves customer destinations at schedule time.
	Directory CustomerDirectory
}

// NewJourneyService constructs a JourneyService.
func NewJourneyService(db *gorm.DB, dir CustomerDirectory) *JourneyService {
	return &JourneyService{
		DB:        db,
		Directory: dir,
	}
}

// UpdateStage applies an external lifecycle event to the (customerID,
// operatorID) journey state, creating the state when absent.
//
// Semantics:
//   - The new stage is max(proposedStage, currentStage): stage never
//     regresses, even for out-of-order postbacks.
//   - depositAmount > 0 increments the deposit counters and stamps
//     last_deposit_at.
//   - The journey assignment is re-derived from the new stage: >= 3 becomes
//     "stopped" (terminal; journey_exited_at is stamped and every pending
//     message is cancelled in the same transaction), 0 is "acquisition",
//     1..2 is "retention". A stopped journey is never reassigned.
//   - Calling with a stage not above current and no deposit is a safe no-op.
func (s *JourneyService) UpdateStage(ctx context.Context, customerID, operatorID string, proposedStage int, depositAmount float64) (*domain.JourneyState, error) {
	tr := otel.Tracer("services/JourneyService")
	ctx, span := tr.Start(ctx, "UpdateStage",
		trace.WithAttributes(
			attribute.String("customer.id", customerID),
			attribute.String("operator.id", operatorID),
			attribute.Int("stage.proposed", proposedStage),
		),
	)
	defer span.End()

	// Ensure the row exists before locking it.
	if _, err := repo.GetOrCreateJourneyState(ctx, s.DB, customerID, operatorID); err != nil {
		return nil, err
	}

	var out *domain.JourneyState
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := repo.GetJourneyStateForUpdate(ctx, tx, customerID, operatorID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		newStage := st.Stage
		if proposedStage > newStage {
			newStage = proposedStage
		}
		st.Stage = newStage

		if depositAmount > 0 {
			st.DepositCount++
			st.TotalDepositValue += depositAmount
			st.LastDepositAt = &now
		}

		if !st.Stopped() {
			switch {
			case newStage >= domain.StageHighValue:
				st.CurrentJourney = domain.JourneyStopped
				st.JourneyExitedAt = &now
				reason := fmt.Sprintf("journey stopped: customer reached stage %d", newStage)
				if _, err := repo.CancelPendingForState(ctx, tx, st.ID, reason); err != nil {
					return err
				}
			case newStage == domain.StageRegistered:
				st.CurrentJourney = domain.JourneyAcquisition
			case newStage >= domain.StageFirstDeposit:
				st.CurrentJourney = domain.JourneyRetention
			}
			// Stage -1 keeps the initial acquisition assignment.
		}

		if err := repo.SaveJourneyState(ctx, tx, st); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartJourneyRequest names the inputs of a template start call. The operator
// name is supplied by the caller; the engine treats it as opaque display text.
type StartJourneyRequest struct {
	CustomerID   string
	OperatorID   string
	OperatorName string
	JourneyType  domain.JourneyType
}

// StartResult reports what a template start actually did. A start that skips
// every step is still a success: the caller learns the counts.
type StartResult struct {
	Scheduled             int      `json:"scheduled"`
	SkippedNoDestination  int      `json:"skipped_no_destination"`
	SkippedIneligible     int      `json:"skipped_ineligible"`
	MessageIDs            []string `json:"message_ids,omitempty"`
}

// StartJourney expands the template for req.JourneyType into scheduled
// message records for the (customer, operator) state.
//
// Refusals (returned as sentinel errors, never a crash):
//   - ErrUnknownJourneyType: no template for the requested type.
//   - ErrJourneyStopped: the state has terminally exited.
//   - ErrStageOutOfRange: the state's stage is outside the template range.
//   - ErrJourneyActive: the duplicate-journey guard found pending messages of
//     this type, so repeated lifecycle events cannot re-trigger a campaign.
//   - ErrCustomerNotFound: the directory has no record for the customer.
//
// Individual steps are skipped, not fatal: a step whose channel has no
// destination is silently dropped, and a step denied by the eligibility
// engine is skipped with the denial logged in the counts. The call reports
// partial success. The guards and the scheduling loop run in one
// transaction, so a failed insert rolls back every message of the call.
func (s *JourneyService) StartJourney(ctx context.Context, req StartJourneyRequest) (*StartResult, error) {
	tr := otel.Tracer("services/JourneyService")
	ctx, span := tr.Start(ctx, "StartJourney",
		trace.WithAttributes(
			attribute.String("customer.id", req.CustomerID),
			attribute.String("operator.id", req.OperatorID),
			attribute.String("journey.type", string(req.JourneyType)),
		),
	)
	defer span.End()

	tmpl, ok := templates.ForType(req.JourneyType)
	if !ok {
		return nil, ErrUnknownJourneyType
	}

	cust, err := s.Directory.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, ErrCustomerNotFound
	}

	if _, err := repo.GetOrCreateJourneyState(ctx, s.DB, req.CustomerID, req.OperatorID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res := &StartResult{}
	// Guard checks and the scheduling loop share one transaction with the
	// state row locked, so two concurrent lifecycle events for the same
	// customer cannot both pass the duplicate-journey guard.
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := repo.GetJourneyStateForUpdate(ctx, tx, req.CustomerID, req.OperatorID)
		if err != nil {
			return err
		}
		if st.Stopped() {
			return ErrJourneyStopped
		}
		if !tmpl.InRange(st.Stage) {
			return fmt.Errorf("%w: stage %d not in [%d,%d]", ErrStageOutOfRange, st.Stage, tmpl.MinStage, tmpl.MaxStage)
		}

		active, err := repo.CountActiveMessages(ctx, tx, st.ID, tmpl.Type)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrJourneyActive
		}

		in := templates.BuildInput{OperatorName: req.OperatorName}
		if st.LastDepositAt != nil && st.DepositCount > 0 {
			// Best-known single-deposit figure: the running average keeps the
			// offer sane when postbacks only carry cumulative totals.
			in.LastDepositAmount = st.TotalDepositValue / float64(st.DepositCount)
		}

		sched := &Scheduler{DB: tx}
		for i, step := range tmpl.Steps {
			content := step.Build(in)
			msg, err := sched.Schedule(ctx, cust, st, ScheduleRequest{
				JourneyType:  tmpl.Type,
				Channel:      step.Channel,
				DayNumber:    step.DayOffset,
				StepNumber:   i + 1,
				Kind:         step.Kind,
				Subject:      content.Subject,
				Content:      content.Body,
				ScheduledFor: now.AddDate(0, 0, step.DayOffset),
			})
			if err != nil {
				if errors.Is(err, ErrNoDestination) {
					res.SkippedNoDestination++
					continue
				}
				if IsNotEligible(err) {
					res.SkippedIneligible++
					continue
				}
				return err
			}
			res.Scheduled++
			res.MessageIDs = append(res.MessageIDs, msg.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Unsubscribe sets the opt-out flag for scope on the (customerID, operatorID)
// state and cancels the affected pending messages in the same transaction.
//
// Semantics:
//   - Scope email/sms cancels only that channel's pending messages; global
//     cancels everything and blocks all future scheduling.
//   - Setting an already-true flag is a no-op, so repeated STOP replies and
//     repeated link clicks are harmless.
func (s *JourneyService) Unsubscribe(ctx context.Context, customerID, operatorID string, scope UnsubscribeScope) (*domain.JourneyState, error) {
	tr := otel.Tracer("services/JourneyService")
	ctx, span := tr.Start(ctx, "Unsubscribe",
		trace.WithAttributes(
			attribute.String("customer.id", customerID),
			attribute.String("operator.id", operatorID),
			attribute.String("unsubscribe.scope", string(scope)),
		),
	)
	defer span.End()

	if _, err := ParseScope(string(scope)); err != nil {
		return nil, err
	}

	if _, err := repo.GetOrCreateJourneyState(ctx, s.DB, customerID, operatorID); err != nil {
		return nil, err
	}

	var out *domain.JourneyState
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := repo.GetJourneyStateForUpdate(ctx, tx, customerID, operatorID)
		if err != nil {
			return err
		}

		var channels []domain.Channel
		switch scope {
		case ScopeEmail:
			st.UnsubEmail = true
			channels = []domain.Channel{domain.ChannelEmail}
		case ScopeSMS:
			st.UnsubSms = true
			channels = []domain.Channel{domain.ChannelSMS}
		case ScopeGlobal:
			st.UnsubGlobal = true
			// No channel filter: everything pending goes.
		}

		reason := fmt.Sprintf("cancelled by %s unsubscribe", scope)
		if _, err := repo.CancelPendingForState(ctx, tx, st.ID, reason, channels...); err != nil {
			return err
		}
		// Flags only; the send counters belong to the dispatcher.
		if err := repo.SetUnsubscribeFlags(ctx, tx, st.ID, st.UnsubEmail, st.UnsubSms, st.UnsubGlobal); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetState returns the journey state and its messages for inspection.
func (s *JourneyService) GetState(ctx context.Context, customerID, operatorID string) (*domain.JourneyState, []domain.JourneyMessage, error) {
	st, err := repo.GetJourneyState(ctx, s.DB, customerID, operatorID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := repo.ListMessagesForState(ctx, s.DB, st.ID)
	if err != nil {
		return nil, nil, err
	}
	return st, msgs, nil
}

// Stats returns the dashboard aggregate, optionally scoped to one operator.
func (s *JourneyService) Stats(ctx context.Context, operatorID string) (*repo.JourneyStats, error) {
	return repo.GetJourneyStats(ctx, s.DB, operatorID)
}
