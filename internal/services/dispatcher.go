// Package services – Dispatcher
//
// This file implements the dispatcher, which turns due message records into
// provider calls and records the outcome. A pass is a blocking, sequential
// sweep over at most limit messages. Claiming is an exclusive
// SCHEDULED→SENDING compare-and-swap per message, so multiple dispatcher
// instances can run the same pass without double-sending; a crashed worker's
// claims expire via the SENDING lease and return to the queue.
//
// Every message a pass examines ends in SENT, FAILED, or CANCELLED, except
// a daily-window deferral, which pushes the message's earliest-attempt time
// past the window and releases the claim.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
	"github.com/lifecyclehq/go-journey-backend/internal/repo"
)

var (
	// msgsSent counts confirmed provider deliveries by channel.
	msgsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journey_messages_sent_total",
			Help: "Total number of journey messages successfully sent.",
		},
		[]string{"channel"},
	)

	// msgsFailed counts terminal send failures by channel.
	msgsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journey_messages_failed_total",
			Help: "Total number of journey messages that failed to send.",
		},
		[]string{"channel"},
	)

	// dispatchDur records the wall time of a full dispatcher pass.
	dispatchDur = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "journey_dispatch_duration_seconds",
			Help:    "Duration of dispatcher passes in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(msgsSent, msgsFailed, dispatchDur)
}

// SendResult is the provider acknowledgement of a successful send.
type SendResult struct {
	MessageID string
	Provider  string
}

// EmailSender delivers a rendered email. Implementations are black boxes to
// the engine: no internal retries, and the context bounds the attempt.
type EmailSender interface {
	Send(ctx context.Context, to, subject, html string) (*SendResult, error)
}

// SmsSender delivers a rendered text message under the same contract as
// EmailSender.
type SmsSender interface {
	Send(ctx context.Context, to, text string) (*SendResult, error)
}

// Dispatcher polls due messages and hands them to the channel senders.
type Dispatcher struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Directory resolves destinations at send time.
	Directory CustomerDirectory
	// Email and Sms are the channel senders.
	Email EmailSender
	Sms   SmsSender

	// SendTimeout bounds each provider attempt; a timeout is a send
	// failure. Values <= 0 default to 15s.
	SendTimeout time.Duration
	// Pacing is an optional delay between consecutive sends to respect
	// provider rate limits. Zero disables pacing.
	Pacing time.Duration
	// SendingLease is how long a SENDING claim survives a crashed worker
	// before the message returns to the queue. Values <= 0 default to 5m.
	SendingLease time.Duration
}

// Report aggregates the outcomes of one dispatcher pass.
type Report struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Deferred  int `json:"deferred"`
	Requeued  int `json:"requeued"`
}

// ProcessPending runs one dispatcher pass over at most limit due messages.
//
// Per message:
//  1. Claim it exclusively; a lost claim means another worker owns it.
//  2. Re-validate eligibility against the owner's current state: opt-out,
//     stop, or lifetime-cap denials cancel the message; a daily-window
//     denial defers it to the end of the window.
//  3. Resolve the destination; a missing one fails the message immediately
//     with no retry.
//  4. Send under the per-attempt timeout. Success records the provider
//     outcome and bumps the channel counter in one transaction, so a crash
//     cannot leave a SENT message under-counted. Failure records the error
//     text; retry policy is an external concern.
func (d *Dispatcher) ProcessPending(ctx context.Context, limit int) (*Report, error) {
	start := time.Now()
	defer func() { dispatchDur.Observe(time.Since(start).Seconds()) }()

	now := time.Now().UTC()
	rep := &Report{}

	lease := d.SendingLease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	requeued, err := repo.RequeueStaleSending(ctx, d.DB, now.Add(-lease))
	if err != nil {
		return nil, err
	}
	rep.Requeued = int(requeued)

	due, err := repo.DueMessages(ctx, d.DB, now, limit)
	if err != nil {
		return nil, err
	}

	for i := range due {
		msg := &due[i]

		claimed, err := repo.ClaimMessage(ctx, d.DB, msg.ID, time.Now().UTC())
		if err != nil {
			return rep, err
		}
		if !claimed {
			continue // another worker owns it
		}
		rep.Processed++

		if err := d.dispatchOne(ctx, msg, rep); err != nil {
			return rep, err
		}

		if d.Pacing > 0 && i < len(due)-1 {
			select {
			case <-time.After(d.Pacing):
			case <-ctx.Done():
				return rep, ctx.Err()
			}
		}
	}
	return rep, nil
}

// dispatchOne takes a claimed message to a terminal state (or a deferral).
// It returns an error only for infrastructure failures that should abort the
// pass; per-message outcomes land in rep.
func (d *Dispatcher) dispatchOne(ctx context.Context, msg *domain.JourneyMessage, rep *Report) error {
	st, err := repo.GetJourneyStateByID(ctx, d.DB, msg.JourneyStateID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if dec := CanSend(st, msg.Channel, now); !dec.Allowed {
		if errors.Is(dec.Cause, ErrDailyCapReached) {
			until := NextAllowedAt(st, msg.Channel, now)
			if err := repo.DeferMessage(ctx, d.DB, msg.ID, until); err != nil {
				return d.lostClaim(err, msg, rep)
			}
			rep.Deferred++
			return nil
		}
		if err := repo.CancelMessage(ctx, d.DB, msg.ID, dec.Reason); err != nil {
			return d.lostClaim(err, msg, rep)
		}
		rep.Cancelled++
		return nil
	}

	to := d.resolveDestination(ctx, st.CustomerID, msg.Channel)
	if to == "" {
		if err := repo.MarkFailed(ctx, d.DB, msg.ID, fmt.Sprintf("no destination for %s", msg.Channel)); err != nil {
			return d.lostClaim(err, msg, rep)
		}
		msgsFailed.WithLabelValues(string(msg.Channel)).Inc()
		rep.Failed++
		return nil
	}

	res, sendErr := d.send(ctx, msg, to)
	if sendErr != nil {
		log.Warn().
			Str("message_id", msg.ID).
			Str("channel", string(msg.Channel)).
			Err(sendErr).
			Msg("send failed")
		if err := repo.MarkFailed(ctx, d.DB, msg.ID, sendErr.Error()); err != nil {
			return d.lostClaim(err, msg, rep)
		}
		msgsFailed.WithLabelValues(string(msg.Channel)).Inc()
		rep.Failed++
		return nil
	}

	// Terminal status and counter increment are one logical unit: a crash
	// between them must not leave a SENT message under-counted.
	sentAt := time.Now().UTC()
	err = d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.MarkSent(ctx, tx, msg.ID, res.MessageID, res.Provider, sentAt); err != nil {
			return err
		}
		return repo.IncrementSendCounter(ctx, tx, st.ID, msg.Channel, sentAt)
	})
	if err != nil {
		return d.lostClaim(err, msg, rep)
	}
	msgsSent.WithLabelValues(string(msg.Channel)).Inc()
	rep.Sent++
	return nil
}

// lostClaim resolves the error from a terminal-state write. ErrNotFound
// means an unsubscribe or stop swept this SENDING claim while the pass held
// it; the message is already CANCELLED, so record the outcome and keep the
// pass going. Anything else aborts the pass.
func (d *Dispatcher) lostClaim(err error, msg *domain.JourneyMessage, rep *Report) error {
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	log.Warn().
		Str("message_id", msg.ID).
		Str("channel", string(msg.Channel)).
		Msg("claim cancelled mid-dispatch")
	rep.Cancelled++
	return nil
}

// resolveDestination returns the address for the channel, or "" when the
// customer is unknown or has no destination.
func (d *Dispatcher) resolveDestination(ctx context.Context, customerID string, ch domain.Channel) string {
	cust, err := d.Directory.GetCustomer(ctx, customerID)
	if err != nil {
		return ""
	}
	return cust.DestinationFor(ch)
}

// send invokes the channel sender under the per-attempt timeout.
func (d *Dispatcher) send(ctx context.Context, msg *domain.JourneyMessage, to string) (*SendResult, error) {
	timeout := d.SendTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch msg.Channel {
	case domain.ChannelEmail:
		return d.Email.Send(sctx, to, msg.Subject, msg.Content)
	case domain.ChannelSMS:
		return d.Sms.Send(sctx, to, msg.Content)
	default:
		return nil, ErrInvalidChannel
	}
}
