// Package providers contains the shipped channel sender implementations.
// Production deployments plug real ESP/SMS gateways behind the sender
// interfaces; the console senders here log the payload instead of delivering
// it, which is what dev and demo environments want.
package providers

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lifecyclehq/go-journey-backend/internal/services"
)

// ConsoleEmailSender logs email sends instead of delivering them.
type ConsoleEmailSender struct{}

// Send implements services.EmailSender.
func (ConsoleEmailSender) Send(ctx context.Context, to, subject, html string) (*services.SendResult, error) {
	id := uuid.NewString()
	log.Info().
		Str("provider", "console-email").
		Str("to", to).
		Str("subject", subject).
		Int("body_bytes", len(html)).
		Str("provider_message_id", id).
		Msg("email send")
	return &services.SendResult{MessageID: id, Provider: "console-email"}, nil
}

// ConsoleSmsSender logs SMS sends instead of delivering them.
type ConsoleSmsSender struct{}

// Send implements services.SmsSender.
func (ConsoleSmsSender) Send(ctx context.Context, to, text string) (*services.SendResult, error) {
	id := uuid.NewString()
	log.Info().
		Str("provider", "console-sms").
		Str("to", to).
		Int("body_bytes", len(text)).
		Str("provider_message_id", id).
		Msg("sms send")
	return &services.SendResult{MessageID: id, Provider: "console-sms"}, nil
}
