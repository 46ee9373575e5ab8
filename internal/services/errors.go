// Package services defines the business logic of the journey automation
// engine: stage transitions, eligibility, scheduling, dispatching, and
// unsubscribes. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Eligibility denials. ErrNotEligible is the umbrella every denial wraps, so
// callers can catch the whole family with a single errors.Is while still
// branching on the specific cause.
var (
	// ErrNotEligible is the common ancestor of all eligibility denials.
	ErrNotEligible = errors.New("send not eligible")

	// ErrUnsubscribed denies a send because the customer opted out, either
	// globally or on the requested channel.
	ErrUnsubscribed = fmt.Errorf("%w: customer unsubscribed", ErrNotEligible)

	// ErrJourneyStopped denies a send or a start because the journey has been
	// terminally exited.
	ErrJourneyStopped = fmt.Errorf("%w: journey stopped", ErrNotEligible)

	// ErrDailyCapReached denies a send attempted within the per-channel
	// frequency window.
	ErrDailyCapReached = fmt.Errorf("%w: daily channel cap reached", ErrNotEligible)

	// ErrLifetimeCapReached denies a send that would exceed the acquisition
	// journey's per-channel lifetime cap.
	ErrLifetimeCapReached = fmt.Errorf("%w: lifetime channel cap reached", ErrNotEligible)
)

// Journey and scheduling errors.
var (
	// ErrStageOutOfRange is returned when a template is started for a state
	// whose stage falls outside the template's target range.
	ErrStageOutOfRange = errors.New("stage outside template range")

	// ErrJourneyActive is returned by the duplicate-journey guard: the state
	// already has pending messages of the requested journey type.
	ErrJourneyActive = errors.New("journey already has pending messages")

	// ErrNoDestination is returned when the customer has no address for the
	// requested channel (no email, or no phone).
	ErrNoDestination = errors.New("no destination for channel")

	// ErrCustomerNotFound is returned when the customer directory has no
	// record for the given customer id.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrUnknownJourneyType is returned when no template exists for the
	// requested journey type.
	ErrUnknownJourneyType = errors.New("unknown journey type")

	// ErrInvalidChannel is returned when a channel value is not EMAIL or SMS.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrInvalidScope is returned when an unsubscribe scope is not one of
	// email, sms, or global.
	ErrInvalidScope = errors.New("invalid unsubscribe scope")
)
