package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the terminal outcome of an execution attempt
type ExecutionStatus string

const (
	ExecutionStatusFilled    ExecutionStatus = "Filled"
	ExecutionStatusExpired   ExecutionStatus = "Expired"
	ExecutionStatusCancelled ExecutionStatus = "Cancelled"
	ExecutionStatusFailed    ExecutionStatus = "Failed"
)

// TouchesLastExecuted reports whether the outcome consumes the intent's due occurrence
func (s ExecutionStatus) TouchesLastExecuted() bool {
	return s == ExecutionStatusFilled || s == ExecutionStatusExpired
}

// OrderStatus is the status reported by the exchange for a submitted order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusFilled    OrderStatus = "Filled"
	OrderStatusExpired   OrderStatus = "Expired"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// IsTerminal reports whether the remote status will not change further
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusExpired || s == OrderStatusCancelled
}

// ExecutionStatus maps a terminal order status to the recorded outcome
func (s OrderStatus) ExecutionStatus() ExecutionStatus {
	switch s {
	case OrderStatusFilled:
		return ExecutionStatusFilled
	case OrderStatusCancelled:
		return ExecutionStatusCancelled
	}
	return ExecutionStatusExpired
}

// ExecutionRecord is the append-only history entry written once per attempt
type ExecutionRecord struct {
	ID            string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	IntentID      string          `json:"intent_id" gorm:"type:varchar(64);not null;index"`
	AttemptID     string          `json:"attempt_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	Account       string          `json:"account" gorm:"type:varchar(64);not null;index"`
	SourceToken   string          `json:"source_token" gorm:"type:varchar(64);not null"`
	SourceChain   int             `json:"source_chain" gorm:"not null"`
	TargetToken   string          `json:"target_token" gorm:"type:varchar(64);not null"`
	TargetChain   int             `json:"target_chain" gorm:"not null"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(20,6);not null"`
	AmountIn      decimal.Decimal `json:"amount_in" gorm:"type:numeric(38,18);not null"`
	AmountOut     decimal.Decimal `json:"amount_out" gorm:"type:numeric(38,18);not null"`
	FeePaid       decimal.Decimal `json:"fee_paid" gorm:"type:numeric(38,18);not null"`
	Resolver      string          `json:"resolver,omitempty" gorm:"type:varchar(64)"`
	TxHash        string          `json:"tx_hash,omitempty" gorm:"type:varchar(80)"`
	OrderHash     string          `json:"order_hash,omitempty" gorm:"type:varchar(80);index"`
	Status        ExecutionStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	FailureReason string          `json:"-" gorm:"type:text"`
	ExecutedAt    time.Time       `json:"executed_at" gorm:"type:timestamptz;not null;index"`
}

func (ExecutionRecord) TableName() string {
	return "dca_executions"
}

// SubmissionMarker is persisted right before an order is submitted, so a
// restarted process resumes polling instead of submitting again
type SubmissionMarker struct {
	IntentID  string    `json:"intent_id" gorm:"primaryKey;type:varchar(64)"`
	AttemptID string    `json:"attempt_id" gorm:"type:varchar(64);not null"`
	OrderHash string    `json:"order_hash" gorm:"type:varchar(80);not null"`
	QuoteID   string    `json:"quote_id" gorm:"type:varchar(80)"`
	CreatedAt time.Time `json:"created_at" gorm:"type:timestamptz;not null"`
}

func (SubmissionMarker) TableName() string {
	return "dca_submission_markers"
}
