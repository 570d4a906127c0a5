package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Cadence is how often an intent is executed
type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// Cadences lists every cadence class the scheduler owns a trigger for
var Cadences = []Cadence{CadenceDaily, CadenceWeekly}

// Interval returns the minimum time between two executions of the cadence
func (c Cadence) Interval() time.Duration {
	switch c {
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// ParseCadence validates a cadence name
func ParseCadence(s string) (Cadence, error) {
	c := Cadence(strings.ToLower(strings.TrimSpace(s)))
	if c.Interval() == 0 {
		return "", fmt.Errorf("invalid cadence: %q, must be 'daily' or 'weekly'", s)
	}
	return c, nil
}

// IntentStatus is the lifecycle status of an intent
type IntentStatus string

const (
	IntentStatusActive    IntentStatus = "active"
	IntentStatusPaused    IntentStatus = "paused"
	IntentStatusCancelled IntentStatus = "cancelled"
)

// Amount bounds in USD, enforced when an intent is created
var (
	MinIntentAmountUSD = decimal.NewFromInt(1)
	MaxIntentAmountUSD = decimal.NewFromInt(100)
)

var (
	ErrInvalidAmount  = errors.New("intent amount out of range")
	ErrInvalidAccount = errors.New("intent account is required")
	ErrInvalidTokens  = errors.New("intent source and target tokens are required")
)

// Intent is an account's standing instruction to periodically swap a fixed amount
type Intent struct {
	ID             string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Account        string          `json:"account" gorm:"type:varchar(64);not null;index"`
	SourceToken    string          `json:"source_token" gorm:"type:varchar(64);not null"`
	SourceChain    int             `json:"source_chain" gorm:"not null"`
	TargetToken    string          `json:"target_token" gorm:"type:varchar(64);not null"`
	TargetChain    int             `json:"target_chain" gorm:"not null"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(20,6);not null"`
	Cadence        Cadence         `json:"cadence" gorm:"type:varchar(16);not null;index"`
	FeeTolerance   decimal.Decimal `json:"fee_tolerance" gorm:"type:numeric(10,6);not null"`
	Status         IntentStatus    `json:"status" gorm:"type:varchar(16);not null;index"`
	CreatedAt      time.Time       `json:"created_at" gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"type:timestamptz;autoUpdateTime"`
	LastExecutedAt *time.Time      `json:"last_executed_at,omitempty" gorm:"type:timestamptz"`
}

func (Intent) TableName() string {
	return "dca_intents"
}

// NormalizeAccount lower-cases an account address so comparisons are case-insensitive
func NormalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

// SameAccount reports whether the intent belongs to the given account
func (i *Intent) SameAccount(account string) bool {
	return NormalizeAccount(i.Account) == NormalizeAccount(account)
}

// IsDue reports whether the intent should be executed for the cadence at now
func (i *Intent) IsDue(cadence Cadence, now time.Time) bool {
	if i.Status != IntentStatusActive || i.Cadence != cadence {
		return false
	}
	if i.LastExecutedAt == nil {
		return true
	}
	return now.Sub(*i.LastExecutedAt) >= cadence.Interval()
}

// ValidateIntent checks the invariants enforced when an intent is created
func ValidateIntent(i *Intent) error {
	if strings.TrimSpace(i.Account) == "" {
		return ErrInvalidAccount
	}
	if strings.TrimSpace(i.SourceToken) == "" || strings.TrimSpace(i.TargetToken) == "" {
		return ErrInvalidTokens
	}
	if i.Amount.LessThan(MinIntentAmountUSD) || i.Amount.GreaterThan(MaxIntentAmountUSD) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidAmount,
			i.Amount.String(), MinIntentAmountUSD.String(), MaxIntentAmountUSD.String())
	}
	if i.Cadence.Interval() == 0 {
		return fmt.Errorf("invalid cadence: %q", i.Cadence)
	}
	if i.FeeTolerance.IsNegative() {
		return fmt.Errorf("fee tolerance must not be negative")
	}
	return nil
}
