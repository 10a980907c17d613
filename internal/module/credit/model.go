package credit

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies a billable generation type.
type Action string

const (
	ActionTryOn   Action = "tryon"
	ActionVideo   Action = "video"
	ActionModel3D Action = "model3d"
)

// Valid reports whether the action is a known billable action.
func (a Action) Valid() bool {
	switch a {
	case ActionTryOn, ActionVideo, ActionModel3D:
		return true
	}
	return false
}

// Plan represents the account tier, which determines the credit allotment
// and the reset boundary.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPaid Plan = "paid"
)

// Account holds a prepaid credit balance for one user.
// The balance is mutated only through conditional updates in the backing
// store; it is never read-modify-written from the application.
type Account struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID      uuid.UUID `json:"user_id" gorm:"type:uuid;uniqueIndex;not null"`
	Balance     int64     `json:"balance" gorm:"not null;default:0;check:balance >= 0"`
	Plan        Plan      `json:"plan" gorm:"not null;default:free"`
	PeriodStart time.Time `json:"period_start" gorm:"not null"`
	Timezone    string    `json:"timezone" gorm:"not null;default:UTC"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (Account) TableName() string {
	return "credit_accounts"
}

// Location resolves the account timezone, falling back to UTC.
func (a *Account) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextReset returns the instant the balance next resets.
// Free accounts reset at local midnight; paid accounts at the start of
// the next billing period.
func (a *Account) NextReset() time.Time {
	switch a.Plan {
	case PlanPaid:
		return a.PeriodStart.AddDate(0, 1, 0)
	default:
		local := a.PeriodStart.In(a.Location())
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.Location())
		return midnight.AddDate(0, 0, 1)
	}
}

// UsageStatus is the settlement state of one generation attempt.
type UsageStatus string

const (
	UsageStatusPending  UsageStatus = "pending"
	UsageStatusSuccess  UsageStatus = "success"
	UsageStatusFailed   UsageStatus = "failed"
	UsageStatusRefunded UsageStatus = "refunded"
)

// UsageLogEntry records one generation attempt. It is created in pending
// state at deduction time and finalized exactly once per request id.
type UsageLogEntry struct {
	ID               int64       `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID           uuid.UUID   `json:"user_id" gorm:"type:uuid;not null;index"`
	RequestID        string      `json:"request_id" gorm:"not null;uniqueIndex"`
	Action           Action      `json:"action" gorm:"not null"`
	CreditsUsed      int64       `json:"credits_used" gorm:"not null"`
	Status           UsageStatus `json:"status" gorm:"not null;default:pending;index"`
	ProcessingTimeMs int64       `json:"processing_time_ms" gorm:"not null;default:0"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// TableName returns the database table name.
func (UsageLogEntry) TableName() string {
	return "usage_log"
}

// CostTable maps actions to their credit cost.
type CostTable struct {
	TryOn   int64
	Video   int64
	Model3D int64
}

// Cost returns the credit cost of an action. Unknown actions cost zero;
// callers validate the action before deducting.
func (t CostTable) Cost(action Action) int64 {
	switch action {
	case ActionTryOn:
		return t.TryOn
	case ActionVideo:
		return t.Video
	case ActionModel3D:
		return t.Model3D
	}
	return 0
}

// Allotments maps plans to their per-period credit allotment.
type Allotments struct {
	Free int64
	Paid int64
}

// For returns the allotment for a plan.
func (a Allotments) For(plan Plan) int64 {
	if plan == PlanPaid {
		return a.Paid
	}
	return a.Free
}
