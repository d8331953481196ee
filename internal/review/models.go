package review

import (
	"time"

	"github.com/google/uuid"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/httpx"
)

var (
	ErrSelfReview      = apperr.Forbidden("cannot review your own profile")
	ErrDuplicate       = apperr.Conflict("profile already reviewed by this user")
	ErrProfileNotFound = apperr.NotFound("profile not found")
)

type Review struct {
	ID         uuid.UUID
	ProfileID  uuid.UUID
	ReviewerID uuid.UUID
	Rating     int
	Comment    string
	CreatedAt  time.Time
}

type CreateParams struct {
	ProfileID uuid.UUID
	Rating    int
	Comment   string
}

// Summary is the count and mean rating of one profile's reviews.
type Summary struct {
	Total         int64
	AverageRating float64
}

type Listing struct {
	Reviews       []Review
	Pagination    httpx.Pagination
	AverageRating float64
}
