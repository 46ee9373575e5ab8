// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, conflict) mirror common HTTP status
//     semantics to aid interoperability.
//   - Domain-specific codes (e.g., journey_stopped, stage_out_of_range) are reserved
//     for business refusals that a status code alone cannot convey.
//   - All error responses must include both an HTTP status and one of these codes.
//
// Usage:
//   - Handlers select the most specific matching code and pass it to `fail()` along
//     with the corresponding HTTP status and message.
//   - Postback senders are expected to branch on these codes: 409 responses mean the
//     event was understood but refused, and must not be retried blindly.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "journey_active",
//	  "message": "a journey of this type is already running"
//	}
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeJourneyStopped   = "journey_stopped"
	ErrCodeJourneyActive    = "journey_active"
	ErrCodeStageOutOfRange  = "stage_out_of_range"
	ErrCodeUnknownJourney   = "unknown_journey_type"
	ErrCodeStageFailed      = "stage_update_failed"
	ErrCodeStartFailed      = "start_failed"
	ErrCodeUnsubFailed      = "unsubscribe_failed"
	ErrCodeDispatchFailed   = "dispatch_failed"
	ErrCodeStatsFailed      = "stats_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
