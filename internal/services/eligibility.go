// Package services – eligibility engine
//
// This file implements the frequency-cap/eligibility decision that gates
// every send. CanSend is pure with respect to its inputs: all the facts it
// needs (opt-out flags, journey assignment, per-channel counters and last
// send times) live on the JourneyState row, so both the scheduler and the
// dispatcher can evaluate the same rules against whatever snapshot they hold.
package services

import (
	"fmt"
	"time"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
)

const (
	// dailyWindow is the minimum spacing between two actual sends on the
	// same channel. It caps sends, not scheduling: a message may carry a
	// future ScheduledFor that respects the window even while today's
	// window is exhausted.
	dailyWindow = 24 * time.Hour

	// Acquisition lifetime caps per channel. Counters are cumulative and
	// never reset between journeys. Retention intentionally carries no
	// lifetime cap; see DESIGN.md.
	acquisitionEmailCap = 3
	acquisitionSmsCap   = 2
)

// Decision is the structured outcome of an eligibility check. A denial is a
// refusal, not a failure: Reason is human-readable and Cause is the sentinel
// (wrapping ErrNotEligible) that callers branch on.
type Decision struct {
	Allowed bool
	Reason  string
	Cause   error
}

// Err converts a denial into an error carrying both the sentinel chain and
// the human-readable reason. Returns nil when the decision is allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w (%s)", d.Cause, d.Reason)
}

func deny(cause error, reason string) Decision {
	return Decision{Allowed: false, Reason: reason, Cause: cause}
}

// CanSend decides whether a send on ch is currently allowed for st. Checks
// run in order and short-circuit on the first denial:
//
//  1. Global opt-out.
//  2. Channel-specific opt-out.
//  3. Stopped journey.
//  4. Per-channel daily window: the last confirmed send on ch must be at
//     least 24h before now. The reason includes the elapsed hours.
//  5. Acquisition lifetime caps: at most 3 EMAIL / 2 SMS sends while the
//     state is in the acquisition journey.
func CanSend(st *domain.JourneyState, ch domain.Channel, now time.Time) Decision {
	if st.UnsubGlobal {
		return deny(ErrUnsubscribed, "customer has a global opt-out")
	}

	switch ch {
	case domain.ChannelEmail:
		if st.UnsubEmail {
			return deny(ErrUnsubscribed, "customer opted out of email")
		}
	case domain.ChannelSMS:
		if st.UnsubSms {
			return deny(ErrUnsubscribed, "customer opted out of sms")
		}
	default:
		return deny(ErrInvalidChannel, fmt.Sprintf("unknown channel %q", ch))
	}

	if st.Stopped() {
		return deny(ErrJourneyStopped, "journey exited, no further outreach")
	}

	if last := st.LastSentFor(ch); last != nil {
		if elapsed := now.Sub(*last); elapsed < dailyWindow {
			return deny(ErrDailyCapReached,
				fmt.Sprintf("last %s send was %.1fh ago, minimum spacing is 24h", ch, elapsed.Hours()))
		}
	}

	if st.CurrentJourney == domain.JourneyAcquisition {
		switch ch {
		case domain.ChannelEmail:
			if st.EmailCount >= acquisitionEmailCap {
				return deny(ErrLifetimeCapReached,
					fmt.Sprintf("acquisition email cap of %d reached", acquisitionEmailCap))
			}
		case domain.ChannelSMS:
			if st.SmsCount >= acquisitionSmsCap {
				return deny(ErrLifetimeCapReached,
					fmt.Sprintf("acquisition sms cap of %d reached", acquisitionSmsCap))
			}
		}
	}

	return Decision{Allowed: true}
}

// NextAllowedAt returns the earliest instant a send on ch clears the daily
// window, used to defer a claimed message instead of failing it. Returns now
// when the window is already clear.
func NextAllowedAt(st *domain.JourneyState, ch domain.Channel, now time.Time) time.Time {
	last := st.LastSentFor(ch)
	if last == nil {
		return now
	}
	next := last.Add(dailyWindow)
	if next.Before(now) {
		return now
	}
	return next
}
