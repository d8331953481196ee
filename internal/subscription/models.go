package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/benchwarmers/marketplace/internal/apperr"
)

type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

func (p Plan) Valid() bool { return p == PlanMonthly || p == PlanYearly }

type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

var (
	ErrNotFound      = apperr.NotFound("no active subscription")
	ErrAlreadyActive = apperr.Conflict("user already has an active subscription")
)

// NextBillingDate returns the first charge date after start. Month-end
// starts follow time.AddDate normalisation, so Jan 31 bills on Mar 3
// (Mar 2 in leap years).
func NextBillingDate(start time.Time, plan Plan) time.Time {
	start = Normalize(start)
	if plan == PlanYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Normalize returns t in UTC at the microsecond precision Postgres stores,
// so a date read back from the database equals the one that was written.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Pricing holds the configured charge per billing period.
type Pricing struct {
	MonthlyCents int64
	YearlyCents  int64
	Currency     string
}

func (p Pricing) Amount(plan Plan) int64 {
	if plan == PlanYearly {
		return p.YearlyCents
	}
	return p.MonthlyCents
}

type Subscription struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	CompanyID          uuid.UUID
	Email              string
	PlanType           Plan
	AmountCents        int64
	Currency           string
	Status             Status
	ProviderCustomerID string
	StartDate          time.Time
	NextBillingDate    time.Time
	CanceledAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type CreateParams struct {
	UserID    uuid.UUID
	CompanyID uuid.UUID
	Email     string
	PlanType  Plan
	StartDate *time.Time
}
