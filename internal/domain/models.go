// Package domain defines the persistence models for journey states, journey
// messages, and customers. These types are mapped with GORM and form the core
// data layer of the journey automation engine.
package domain

import (
	"time"
)

// Channel identifies the delivery medium of a journey message.
type Channel string

// Supported delivery channels.
const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool { return c == ChannelEmail || c == ChannelSMS }

// JourneyType identifies which declarative template produced a message or
// which journey a state is currently running.
type JourneyType string

// Journey types. "stopped" is a state-only value: no template carries it.
const (
	JourneyAcquisition JourneyType = "acquisition"
	JourneyRetention   JourneyType = "retention"
	JourneyStopped     JourneyType = "stopped"
)

// MessageStatus is the lifecycle state of a JourneyMessage.
//
// Transitions:
//
//	SCHEDULED --(claim)--------> SENDING
//	SENDING   --(send success)-> SENT      (terminal)
//	SENDING   --(send failure)-> FAILED    (terminal)
//	SCHEDULED --(stop/unsub)---> CANCELLED (terminal)
//	SENDING   --(lease expiry)-> SCHEDULED (crash recovery only)
type MessageStatus string

// Message statuses. SENDING is the exclusive-claim lease held by a dispatcher
// worker between pickup and terminal outcome.
const (
	StatusScheduled MessageStatus = "SCHEDULED"
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusFailed    MessageStatus = "FAILED"
	StatusCancelled MessageStatus = "CANCELLED"
)

// Terminal reports whether s admits no further transitions.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Lifecycle stages. Stage is monotonically non-decreasing for the lifetime of
// a JourneyState.
const (
	StageUnregistered  = -1 // created but no registration postback yet
	StageRegistered    = 0  // registered, no deposit
	StageFirstDeposit  = 1
	StageSecondDeposit = 2
	StageHighValue     = 3 // >= 3 stops all outreach
)

// JourneyState is the durable record of one (customer, operator) relationship:
// its lifecycle stage, deposit and send counters, and opt-out flags. Exactly
// one row exists per (CustomerID, OperatorID) pair, enforced by a unique index
// and upsert-only creation in the repo layer.
//
// Fields:
//   - Stage: lifecycle stage, never regresses (see stage constants).
//   - DepositCount / TotalDepositValue / LastDepositAt: cumulative deposit
//     tracking, bumped only by deposit-bearing stage updates.
//   - EmailCount / SmsCount / LastEmailAt / LastSmsAt: per-channel send
//     counters, mutated only by the dispatcher on confirmed send.
//   - UnsubEmail / UnsubSms / UnsubGlobal: write-once-true opt-out flags.
//   - CurrentJourney: derived journey assignment; never set directly by
//     callers and terminal once "stopped".
type JourneyState struct {
	ID         string `json:"id"          gorm:"type:char(36);primaryKey"`
	CustomerID string `json:"customer_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_customer_operator,priority:1"`
	OperatorID string `json:"operator_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_customer_operator,priority:2;index:idx_operator_states"`

	Stage             int        `json:"stage"               gorm:"not null;default:-1"`
	DepositCount      int        `json:"deposit_count"       gorm:"not null;default:0"`
	TotalDepositValue float64    `json:"total_deposit_value" gorm:"not null;default:0"`
	LastDepositAt     *time.Time `json:"last_deposit_at,omitempty"`

	EmailCount  int        `json:"email_count" gorm:"not null;default:0"`
	SmsCount    int        `json:"sms_count"   gorm:"not null;default:0"`
	LastEmailAt *time.Time `json:"last_email_at,omitempty"`
	LastSmsAt   *time.Time `json:"last_sms_at,omitempty"`

	UnsubEmail  bool `json:"unsub_email"  gorm:"not null;default:false"`
	UnsubSms    bool `json:"unsub_sms"    gorm:"not null;default:false"`
	UnsubGlobal bool `json:"unsub_global" gorm:"not null;default:false"`

	CurrentJourney   JourneyType `json:"current_journey" gorm:"type:varchar(16);not null;default:'acquisition';check:current_journey IN ('acquisition','retention','stopped')"`
	JourneyStartedAt time.Time   `json:"journey_started_at"`
	JourneyExitedAt  *time.Time  `json:"journey_exited_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for JourneyState.
func (JourneyState) TableName() string { return "journey_states" }

// Stopped reports whether the state's journey has been terminally exited.
func (s *JourneyState) Stopped() bool { return s.CurrentJourney == JourneyStopped }

// CountFor returns the cumulative send counter for the given channel.
func (s *JourneyState) CountFor(ch Channel) int {
	if ch == ChannelEmail {
		return s.EmailCount
	}
	return s.SmsCount
}

// LastSentFor returns the last confirmed send time for the given channel,
// or nil when the channel has never been used for this state.
func (s *JourneyState) LastSentFor(ch Channel) *time.Time {
	if ch == ChannelEmail {
		return s.LastEmailAt
	}
	return s.LastSmsAt
}

// JourneyMessage is one scheduled outreach touch. It is created by the
// scheduler with fully rendered content (no templating at send time) and is
// mutated only by the dispatcher or by a cancellation sweep.
//
// Fields:
//   - JourneyStateID: owning state (cascade delete).
//   - Channel / JourneyType: delivery medium and producing template.
//   - DayNumber / StepNumber: template position, for ordering and debugging
//     only, never consulted by runtime logic.
//   - ScheduledFor: earliest instant the dispatcher may attempt delivery.
//   - SentAt / ProviderID / ProviderName / ErrorMessage: set only on the
//     terminal transition.
type JourneyMessage struct {
	ID             string `json:"id"               gorm:"type:char(36);primaryKey"`
	JourneyStateID string `json:"journey_state_id" gorm:"type:char(36);not null;index:idx_state_msgs"`

	Channel     Channel     `json:"channel"      gorm:"type:varchar(8);not null;check:channel IN ('EMAIL','SMS')"`
	JourneyType JourneyType `json:"journey_type" gorm:"type:varchar(16);not null"`
	DayNumber   int         `json:"day_number"   gorm:"not null"`
	StepNumber  int         `json:"step_number"  gorm:"not null"`
	MessageKind string      `json:"message_kind" gorm:"type:varchar(32);not null"`

	Status       MessageStatus `json:"status"        gorm:"type:varchar(12);not null;default:'SCHEDULED';index:idx_status_due,priority:1"`
	ScheduledFor time.Time     `json:"scheduled_for" gorm:"not null;index:idx_status_due,priority:2"`
	ClaimedAt    *time.Time    `json:"-"`

	Subject string `json:"subject,omitempty" gorm:"type:varchar(255)"`
	Content string `json:"content"           gorm:"type:text;not null"`

	SentAt       *time.Time `json:"sent_at,omitempty"`
	ProviderID   string     `json:"provider_id,omitempty"   gorm:"type:varchar(128)"`
	ProviderName string     `json:"provider_name,omitempty" gorm:"type:varchar(64)"`
	ErrorMessage string     `json:"error_message,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// JourneyState is the owning relationship. Messages are cascade-deleted
	// if their state is removed.
	JourneyState JourneyState `json:"-" gorm:"foreignKey:JourneyStateID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for JourneyMessage.
func (JourneyMessage) TableName() string { return "journey_messages" }

// Customer holds the contact destinations the engine needs to address a send.
// The dashboard (out of scope here) owns the full customer record; the engine
// only reads destinations.
type Customer struct {
	ID    string `json:"id"              gorm:"type:varchar(64);primaryKey"`
	Email string `json:"email,omitempty" gorm:"type:varchar(255)"`
	Phone string `json:"phone,omitempty" gorm:"type:varchar(32)"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Customer.
func (Customer) TableName() string { return "customers" }

// DestinationFor returns the address for the given channel, or "" when the
// customer has no destination on that channel.
func (c *Customer) DestinationFor(ch Channel) string {
	if c == nil {
		return ""
	}
	if ch == ChannelEmail {
		return c.Email
	}
	return c.Phone
}
