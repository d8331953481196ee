package httpx

import (
	"net/http"
	"strconv"

	"github.com/benchwarmers/marketplace/internal/apperr"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

type Page struct {
	Page  int
	Limit int
}

func (p Page) Skip() int { return (p.Page - 1) * p.Limit }

// Pagination is the page metadata returned alongside list results.
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

// Pages returns ceil(total/limit).
func Pages(total int64, limit int) int64 {
	if limit <= 0 || total <= 0 {
		return 0
	}
	l := int64(limit)
	return (total + l - 1) / l
}

func (p Page) Paginate(total int64) Pagination {
	return Pagination{Page: p.Page, Limit: p.Limit, Total: total, Pages: Pages(total, p.Limit)}
}

// ParsePage reads page and limit from the query string.
func ParsePage(r *http.Request) (Page, error) {
	p := Page{Page: DefaultPage, Limit: DefaultLimit}
	q := r.URL.Query()
	var details []apperr.FieldError

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			details = append(details, apperr.FieldError{Field: "page", Message: "must be an integer >= 1"})
		} else {
			p.Page = n
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxLimit {
			details = append(details, apperr.FieldError{Field: "limit", Message: "must be an integer between 1 and 100"})
		} else {
			p.Limit = n
		}
	}
	if len(details) > 0 {
		return Page{}, apperr.Validation("invalid pagination parameters", details...)
	}
	return p, nil
}
