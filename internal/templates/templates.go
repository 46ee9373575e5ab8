// Package templates defines the declarative journey templates. A template is
// a fixed, ordered step table (day offset, channel, message kind, content
// builder) keyed to a lifecycle stage range; the scheduler expands it into
// concrete message records. New journeys are added by declaring a new table,
// not by writing control flow.
package templates

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
)

// Default amounts used when no deposit history is known.
const (
	defaultReloadBonus   = 100.0
	maxReloadBonus       = 250.0
	defaultVIPThreshold  = 50.0
	reloadBonusFraction  = 0.5
	vipThresholdMultiple = 2.0
)

// amounts are rendered with locale-aware grouping so "$1,250.00" reads
// naturally in message bodies.
var printer = message.NewPrinter(language.English)

// BuildInput carries the per-customer facts a content builder may use.
// LastDepositAmount is 0 when no deposit-bearing update has been seen.
type BuildInput struct {
	OperatorName      string
	LastDepositAmount float64
}

// Content is a fully rendered message payload. Subject is empty for SMS.
type Content struct {
	Subject string
	Body    string
}

// Step is one touch in a journey template.
type Step struct {
	// DayOffset is the number of days after journey start this step fires.
	DayOffset int
	Channel   domain.Channel
	// Kind labels the step for reporting (e.g. "welcome", "vip_offer").
	Kind  string
	Build func(in BuildInput) Content
}

// Template is an ordered step list applicable to a lifecycle stage range
// (MinStage..MaxStage inclusive).
type Template struct {
	Type     domain.JourneyType
	MinStage int
	MaxStage int
	Steps    []Step
}

// InRange reports whether stage falls inside the template's target range.
func (t *Template) InRange(stage int) bool {
	return stage >= t.MinStage && stage <= t.MaxStage
}

// ForType returns the shipped template for a journey type.
func ForType(jt domain.JourneyType) (*Template, bool) {
	switch jt {
	case domain.JourneyAcquisition:
		return &Acquisition, true
	case domain.JourneyRetention:
		return &Retention, true
	default:
		return nil, false
	}
}

// ReloadBonus computes the reload offer amount: half the last deposit capped
// at 250, or the default when no deposit amount is known.
func ReloadBonus(lastDeposit float64) float64 {
	if lastDeposit <= 0 {
		return defaultReloadBonus
	}
	b := lastDeposit * reloadBonusFraction
	if b > maxReloadBonus {
		return maxReloadBonus
	}
	return b
}

// VIPThreshold computes the VIP qualifying deposit: twice the last deposit,
// or the default when no deposit amount is known.
func VIPThreshold(lastDeposit float64) float64 {
	if lastDeposit <= 0 {
		return defaultVIPThreshold
	}
	return lastDeposit * vipThresholdMultiple
}

func money(amount float64) string {
	return printer.Sprintf("$%.2f", amount)
}

// Acquisition is the 7-day arc for not-yet-depositing customers
// (stages -1 and 0): welcome, reminder, social proof, urgency, final nudge.
var Acquisition = Template{
	Type:     domain.JourneyAcquisition,
	MinStage: domain.StageUnregistered,
	MaxStage: domain.StageRegistered,
	Steps: []Step{
		{
			DayOffset: 0,
			Channel:   domain.ChannelEmail,
			Kind:      "welcome",
			Build: func(in BuildInput) Content {
				return Content{
					Subject: fmt.Sprintf("Welcome to %s — your account is ready", in.OperatorName),
					Body: fmt.Sprintf(
						"<p>Welcome to %s!</p><p>Your account is set up and ready to go. "+
							"Make your first deposit today and start playing in minutes.</p>",
						in.OperatorName),
				}
			},
		},
		{
			DayOffset: 1,
			Channel:   domain.ChannelSMS,
			Kind:      "reminder",
			Build: func(in BuildInput) Content {
				return Content{
					Body: fmt.Sprintf(
						"%s: your account is waiting. Make your first deposit and get started today. Reply STOP to opt out.",
						in.OperatorName),
				}
			},
		},
		{
			DayOffset: 3,
			Channel:   domain.ChannelEmail,
			Kind:      "social_proof",
			Build: func(in BuildInput) Content {
				return Content{
					Subject: fmt.Sprintf("Thousands of players joined %s this week", in.OperatorName),
					Body: fmt.Sprintf(
						"<p>Players like you joined %s this week and are already cashing in.</p>"+
							"<p>Don't miss out — your first deposit takes less than a minute.</p>",
						in.OperatorName),
				}
			},
		},
		{
			DayOffset: 5,
			Channel:   domain.ChannelSMS,
			Kind:      "urgency",
			Build: func(in BuildInput) Content {
				return Content{
					Body: fmt.Sprintf(
						"%s: your welcome offer expires soon. Deposit now so you don't lose it. Reply STOP to opt out.",
						in.OperatorName),
				}
			},
		},
		{
			DayOffset: 7,
			Channel:   domain.ChannelEmail,
			Kind:      "final_nudge",
			Build: func(in BuildInput) Content {
				return Content{
					Subject: "Last chance — your welcome offer ends today",
					Body: fmt.Sprintf(
						"<p>This is it: your %s welcome offer ends today.</p>"+
							"<p>Make your first deposit now to lock it in.</p>",
						in.OperatorName),
				}
			},
		},
	},
}

// Retention is the 5-day arc for depositing customers (stages 1 and 2),
// run once per deposit-triggering start call: reload offer, urgency, VIP
// offer.
var Retention = Template{
	Type:     domain.JourneyRetention,
	MinStage: domain.StageFirstDeposit,
	MaxStage: domain.StageSecondDeposit,
	Steps: []Step{
		{
			DayOffset: 1,
			Channel:   domain.ChannelEmail,
			Kind:      "reload_offer",
			Build: func(in BuildInput) Content {
				bonus := ReloadBonus(in.LastDepositAmount)
				return Content{
					Subject: fmt.Sprintf("A %s reload bonus is waiting for you", money(bonus)),
					Body: fmt.Sprintf(
						"<p>Thanks for playing at %s!</p><p>Reload today and we'll add a %s bonus on top of your deposit.</p>",
						in.OperatorName, money(bonus)),
				}
			},
		},
		{
			DayOffset: 2,
			Channel:   domain.ChannelSMS,
			Kind:      "urgency",
			Build: func(in BuildInput) Content {
				return Content{
					Body: fmt.Sprintf(
						"%s: your reload bonus expires soon — claim it before it's gone. Reply STOP to opt out.",
						in.OperatorName),
				}
			},
		},
		{
			DayOffset: 5,
			Channel:   domain.ChannelEmail,
			Kind:      "vip_offer",
			Build: func(in BuildInput) Content {
				threshold := VIPThreshold(in.LastDepositAmount)
				return Content{
					Subject: fmt.Sprintf("You're one deposit away from %s VIP", in.OperatorName),
					Body: fmt.Sprintf(
						"<p>Deposit %s or more and unlock %s VIP: faster withdrawals, a personal host, and exclusive offers.</p>",
						money(threshold), in.OperatorName),
				}
			},
		},
	},
}
