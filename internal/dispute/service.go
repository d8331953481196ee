package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/database"
	"github.com/benchwarmers/marketplace/internal/escrow"
	"github.com/benchwarmers/marketplace/internal/httpx"
	"github.com/benchwarmers/marketplace/internal/jobs"
	"github.com/benchwarmers/marketplace/internal/logging"
	"github.com/benchwarmers/marketplace/internal/metrics"
)

// Store is the dispute persistence the service needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Dispute, error)
	Create(ctx context.Context, tx pgx.Tx, d *Dispute) error
	Resolve(ctx context.Context, tx pgx.Tx, d *Dispute) error
	ListPending(ctx context.Context, page httpx.Page) ([]Dispute, int64, error)
	EngagementParties(ctx context.Context, engagementID uuid.UUID) (seeker, provider uuid.UUID, err error)
}

// EscrowReader reads the escrow payment a dispute refers to.
type EscrowReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*escrow.Payment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*escrow.Payment, error)
	ReserveRefund(ctx context.Context, tx pgx.Tx, id uuid.UUID, cents int64) error
}

type Service interface {
	Create(ctx context.Context, actor *authz.Identity, p CreateParams) (*Dispute, error)
	Get(ctx context.Context, actor *authz.Identity, id uuid.UUID) (*Dispute, error)
	ListPending(ctx context.Context, page httpx.Page) (*Listing, error)
	Resolve(ctx context.Context, admin *authz.Identity, p ResolveParams) (*Dispute, error)
}

type service struct {
	db      database.TxBeginner
	store   Store
	escrow  EscrowReader
	audit   audit.Recorder
	jobs    jobs.Inserter
	metrics *metrics.Collector
	now     func() time.Time
}

func NewService(db database.TxBeginner, store Store, escrowReader EscrowReader, rec audit.Recorder, ins jobs.Inserter, m *metrics.Collector) *service {
	return &service{
		db:      db,
		store:   store,
		escrow:  escrowReader,
		audit:   rec,
		jobs:    ins,
		metrics: m,
		now:     time.Now,
	}
}

var _ Service = (*service)(nil)

func (s *service) Create(ctx context.Context, actor *authz.Identity, p CreateParams) (*Dispute, error) {
	seeker, provider, err := s.store.EngagementParties(ctx, p.EngagementID)
	if err != nil {
		return nil, classify(err, "load engagement")
	}
	if !authz.CanActForCompany(actor, seeker) && !authz.CanActForCompany(actor, provider) {
		return nil, ErrNotParty
	}
	if p.EscrowPaymentID != nil {
		pay, err := s.escrow.GetByID(ctx, *p.EscrowPaymentID)
		if err != nil {
			return nil, classify(err, "load escrow payment")
		}
		if pay.EngagementID != p.EngagementID {
			return nil, apperr.Validation("invalid request body", apperr.FieldError{
				Field:   "escrowPaymentId",
				Message: "escrow payment does not belong to this engagement",
			})
		}
	}

	d := &Dispute{
		EngagementID:    p.EngagementID,
		EscrowPaymentID: p.EscrowPaymentID,
		RaisedBy:        actor.UserID,
		Reason:          p.Reason,
		Description:     p.Description,
	}
	err = database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.store.Create(ctx, tx, d); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry{
			ActorID:    &actor.UserID,
			Action:     audit.ActionDisputeCreated,
			EntityType: "dispute",
			EntityID:   d.ID,
			Detail:     map[string]any{"engagement_id": p.EngagementID.String(), "reason": p.Reason},
		})
	})
	if err != nil {
		return nil, apperr.Upstream("create dispute", err)
	}
	logging.FromContext(ctx).Info("dispute created", "dispute_id", d.ID, "engagement_id", d.EngagementID)
	return d, nil
}

// Get returns a dispute visible to a party of its engagement or an admin.
// Outsiders get ErrNotFound.
func (s *service) Get(ctx context.Context, actor *authz.Identity, id uuid.UUID) (*Dispute, error) {
	d, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err, "load dispute")
	}
	if actor.IsAdmin() {
		return d, nil
	}
	seeker, provider, err := s.store.EngagementParties(ctx, d.EngagementID)
	if err != nil {
		return nil, classify(err, "load engagement")
	}
	if !authz.CanActForCompany(actor, seeker) && !authz.CanActForCompany(actor, provider) {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *service) ListPending(ctx context.Context, page httpx.Page) (*Listing, error) {
	ds, total, err := s.store.ListPending(ctx, page)
	if err != nil {
		return nil, apperr.Upstream("list disputes", err)
	}
	if ds == nil {
		ds = []Dispute{}
	}
	return &Listing{Disputes: ds, Pagination: page.Paginate(total)}, nil
}

// Resolve locks the dispute, applies the resolution and, for refunds,
// reserves the amount on the escrow payment and enqueues the refund job.
// The update, reservation, audit row and job are committed together or not
// at all. A refund_full with nothing refundable still resolves the dispute,
// without a job.
func (s *service) Resolve(ctx context.Context, admin *authz.Identity, p ResolveParams) (*Dispute, error) {
	if !p.Resolution.Valid() {
		return nil, apperr.Validation("invalid request body", apperr.FieldError{Field: "resolution", Message: "unknown resolution"})
	}
	if p.Resolution == ResolutionRefundPartial && (p.RefundAmountCents == nil || *p.RefundAmountCents <= 0) {
		return nil, apperr.Validation("invalid request body", apperr.FieldError{Field: "refundAmount", Message: "required for refund_partial"})
	}

	var resolved *Dispute
	var refund *jobs.DisputeRefundArgs
	var skipped string
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		d, err := s.store.GetForUpdate(ctx, tx, p.DisputeID)
		if err != nil {
			return err
		}
		if d.Status == StatusResolved {
			return ErrAlreadyResolved
		}

		if p.Resolution.Refunds() {
			refund, skipped, err = s.planRefund(ctx, tx, d, p)
			if err != nil {
				return err
			}
		}

		now := s.now().UTC()
		res := p.Resolution
		notes := p.AdminNotes
		d.Status = StatusResolved
		d.Resolution = &res
		d.AdminNotes = &notes
		d.ResolvedBy = &admin.UserID
		d.ResolvedAt = &now
		d.RefundAmountCents = nil
		if refund != nil {
			amt := refund.AmountCents
			d.RefundAmountCents = &amt
		}
		if err := s.store.Resolve(ctx, tx, d); err != nil {
			return err
		}

		detail := map[string]any{"resolution": string(res)}
		if refund != nil {
			detail["refund_amount_cents"] = refund.AmountCents
		}
		if skipped != "" {
			detail["refund_skipped"] = skipped
		}
		if err := s.audit.RecordTx(ctx, tx, audit.Entry{
			ActorID:    &admin.UserID,
			Action:     audit.ActionDisputeResolved,
			EntityType: "dispute",
			EntityID:   d.ID,
			Detail:     detail,
		}); err != nil {
			return err
		}
		if refund != nil {
			if err := s.jobs.InsertTx(ctx, tx, *refund, &river.InsertOpts{MaxAttempts: 10}); err != nil {
				return fmt.Errorf("dispute: enqueue refund: %w", err)
			}
		}
		resolved = d
		return nil
	})
	if err != nil {
		return nil, classify(err, "resolve dispute")
	}

	s.metrics.DisputeResolved(string(p.Resolution))
	logging.FromContext(ctx).Info("dispute resolved",
		"dispute_id", resolved.ID,
		"resolution", string(p.Resolution),
		"refund_queued", refund != nil,
		"refund_skipped", skipped,
	)
	return resolved, nil
}

// planRefund reserves the refund on the locked escrow payment. When there is
// nothing to refund, a full refund returns a skip reason instead of a job;
// a partial refund of an explicit amount is rejected.
func (s *service) planRefund(ctx context.Context, tx pgx.Tx, d *Dispute, p ResolveParams) (*jobs.DisputeRefundArgs, string, error) {
	var pay *escrow.Payment
	var remaining int64
	skip := "no escrow payment linked"
	if d.EscrowPaymentID != nil {
		var err error
		pay, err = s.escrow.GetForUpdate(ctx, tx, *d.EscrowPaymentID)
		if err != nil {
			return nil, "", err
		}
		switch {
		case pay.Status != escrow.StatusProcessed || pay.PaymentIntentID == nil:
			skip = "escrow payment not charged"
		default:
			remaining = pay.Refundable()
			skip = "escrow payment already fully refunded"
		}
	}

	amount := remaining
	if p.Resolution == ResolutionRefundPartial {
		amount = *p.RefundAmountCents
		if amount > remaining {
			return nil, "", apperr.Validation("invalid request body", apperr.FieldError{
				Field:   "refundAmount",
				Message: fmt.Sprintf("must not exceed the refundable amount of %d", max(remaining, 0)),
			})
		}
	}
	if amount <= 0 {
		return nil, skip, nil
	}

	if err := s.escrow.ReserveRefund(ctx, tx, pay.ID, amount); err != nil {
		return nil, "", err
	}
	return &jobs.DisputeRefundArgs{
		DisputeID:       d.ID,
		EscrowPaymentID: pay.ID,
		PaymentIntentID: *pay.PaymentIntentID,
		AmountCents:     amount,
		Resolution:      string(p.Resolution),
	}, "", nil
}

func classify(err error, op string) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, escrow.ErrNotFound), errors.Is(err, ErrEngagementNotFound):
		return err
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Upstream(op, err)
}
