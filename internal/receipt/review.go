package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ReviewAction is an admin's verdict on a receipt
type ReviewAction string

const (
	ReviewApprove ReviewAction = "APPROVE"
	ReviewReject  ReviewAction = "REJECT"
)

// ReviewRequest is an admin decision on a single receipt
type ReviewRequest struct {
	Action     ReviewAction `json:"action" validate:"required,oneof=APPROVE REJECT"`
	ReviewedBy string       `json:"reviewedBy" validate:"required"`
	// VerifiedAmount corrects the total before cashback is recomputed.
	VerifiedAmount  *float64 `json:"verifiedAmount,omitempty" validate:"omitempty,finite,gte=0"`
	Notes           string   `json:"notes,omitempty"`
	RejectionReason string   `json:"rejectionReason,omitempty" validate:"required_if=Action REJECT"`
}

// Review applies an admin decision. Approval moves a MANUAL_REVIEW receipt to
// VALIDATED and recomputes its cashback. Rejection is allowed from PENDING or
// MANUAL_REVIEW.
func (s *Service) Review(ctx context.Context, id string, req ReviewRequest) (*Receipt, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationFailed(err)
	}
	if req.Action == ReviewReject && strings.TrimSpace(req.RejectionReason) == "" {
		return nil, validationError("rejection reason is required")
	}

	now := s.timeSource.Now()

	// Cashback terms come from other records, so they are resolved before the
	// receipt is locked for the update.
	var terms cashbackTerms
	if req.Action == ReviewApprove {
		current, err := s.db.GetReceipt(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("getting receipt: %w", err)
		}
		policy, err := s.policy(ctx, current.VenueID)
		if err != nil {
			return nil, err
		}
		if terms, err = s.cashbackTerms(ctx, policy, current.UserID, current.OfferID, now); err != nil {
			return nil, err
		}
	}

	return s.update(ctx, id, func(r *Receipt) error {
		switch req.Action {
		case ReviewApprove:
			if err := r.apply(EventAdminApprove); err != nil {
				return err
			}
			amount := r.TotalAmount
			if req.VerifiedAmount != nil && *req.VerifiedAmount > 0 {
				verified := *req.VerifiedAmount
				r.VerifiedAmount = &verified
				amount = verified
			}
			terms.award(r, amount)
		case ReviewReject:
			if err := r.apply(EventAdminReject); err != nil {
				return err
			}
			r.RejectionReason = strings.TrimSpace(req.RejectionReason)
		}
		r.ReviewedBy = req.ReviewedBy
		r.ReviewedAt = &now
		r.ReviewNotes = req.Notes
		return nil
	})
}

// ApplyCashback marks a VALIDATED or APPROVED receipt's cashback as paid
func (s *Service) ApplyCashback(ctx context.Context, id string) (*Receipt, error) {
	return s.update(ctx, id, func(r *Receipt) error {
		return r.apply(EventApplyCashback)
	})
}

// Expire retires a receipt that is not yet in a terminal state
func (s *Service) Expire(ctx context.Context, id string) (*Receipt, error) {
	return s.update(ctx, id, func(r *Receipt) error {
		return r.apply(EventExpire)
	})
}

// update lets fn change a receipt inside the store's write transaction, so
// the status check in fn and the write cannot interleave with another update.
// fn must not call the store.
func (s *Service) update(ctx context.Context, id string, fn func(r *Receipt) error) (*Receipt, error) {
	var (
		from  Status
		fnErr error
	)
	receipt, err := s.db.UpdateReceiptFunc(ctx, id, func(r *Receipt) error {
		from = r.Status
		if fnErr = fn(r); fnErr != nil {
			return fnErr
		}
		r.UpdatedAt = s.timeSource.Now()
		return nil
	})
	switch {
	case err == nil:
	case fnErr != nil:
		return nil, fnErr
	case isNotFound(err):
		return nil, fmt.Errorf("getting receipt: %w", err)
	default:
		return nil, fmt.Errorf("updating receipt: %w", err)
	}
	slog.Info("Receipt status changed", "id", id, "from", from, "to", receipt.Status)
	return receipt, nil
}

// BulkItemResult is the outcome for one receipt of a bulk action
type BulkItemResult struct {
	ID     string `json:"id"`
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BulkResult summarizes a bulk action. One failing receipt does not stop the
// others.
type BulkResult struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Items     []BulkItemResult `json:"items"`
}

// BulkApprove approves every receipt in ids
func (s *Service) BulkApprove(ctx context.Context, ids []string, reviewedBy string) (*BulkResult, error) {
	return s.bulk(ctx, ids, ReviewRequest{Action: ReviewApprove, ReviewedBy: reviewedBy})
}

// BulkReject rejects every receipt in ids with the same reason
func (s *Service) BulkReject(ctx context.Context, ids []string, reason, reviewedBy string) (*BulkResult, error) {
	return s.bulk(ctx, ids, ReviewRequest{Action: ReviewReject, ReviewedBy: reviewedBy, RejectionReason: reason})
}

func (s *Service) bulk(ctx context.Context, ids []string, req ReviewRequest) (*BulkResult, error) {
	if len(ids) == 0 {
		return nil, validationError("at least one receipt is required")
	}
	if err := validate.Struct(req); err != nil {
		return nil, validationFailed(err)
	}
	if req.Action == ReviewReject && strings.TrimSpace(req.RejectionReason) == "" {
		return nil, validationError("rejection reason is required")
	}

	result := &BulkResult{Items: make([]BulkItemResult, 0, len(ids))}
	for _, id := range ids {
		receipt, err := s.Review(ctx, id, req)
		if err != nil {
			slog.Warn("Bulk review failed", "id", id, "action", req.Action, "error", err)
			result.Failed++
			result.Items = append(result.Items, BulkItemResult{ID: id, Error: err.Error()})
			continue
		}
		result.Succeeded++
		result.Items = append(result.Items, BulkItemResult{ID: id, Status: receipt.Status})
	}
	return result, nil
}

// SaveVenueConfig stores a venue's policy. An empty venue ID sets the global
// policy.
func (s *Service) SaveVenueConfig(ctx context.Context, config *VenueConfig) error {
	if err := validate.Struct(config); err != nil {
		return validationFailed(err)
	}
	if (config.Latitude == nil) != (config.Longitude == nil) {
		return validationError("latitude and longitude must be set together")
	}
	config.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveVenueConfig(ctx, config); err != nil {
		return fmt.Errorf("saving venue config: %w", err)
	}
	return nil
}

// SaveMerchant records a merchant's whitelist status
func (s *Service) SaveMerchant(ctx context.Context, merchant *Merchant) error {
	merchant.Name = strings.TrimSpace(merchant.Name)
	if err := validate.Struct(merchant); err != nil {
		return validationFailed(err)
	}
	merchant.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveMerchant(ctx, merchant); err != nil {
		return fmt.Errorf("saving merchant: %w", err)
	}
	return nil
}

// SaveOffer stores an offer
func (s *Service) SaveOffer(ctx context.Context, offer *Offer) error {
	if err := validate.Struct(offer); err != nil {
		return validationFailed(err)
	}
	if offer.ActiveFrom != nil && offer.ActiveUntil != nil && offer.ActiveFrom.After(*offer.ActiveUntil) {
		return validationError("activeFrom is after activeUntil")
	}
	offer.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveOffer(ctx, offer); err != nil {
		return fmt.Errorf("saving offer: %w", err)
	}
	return nil
}

// SaveCard records a user's card tier
func (s *Service) SaveCard(ctx context.Context, card *Card) error {
	if err := validate.Struct(card); err != nil {
		return validationFailed(err)
	}
	card.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveCard(ctx, card); err != nil {
		return fmt.Errorf("saving card: %w", err)
	}
	return nil
}
