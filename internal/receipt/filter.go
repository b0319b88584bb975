package receipt

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// SortField is a receipt attribute lists can be ordered by
type SortField string

const (
	SortByCreatedAt  SortField = "createdAt"
	SortByAmount     SortField = "totalAmount"
	SortByFraudScore SortField = "fraudScore"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ReceiptFilter narrows and orders a receipt listing. Zero values do not filter.
type ReceiptFilter struct {
	UserID string
	Status Status `validate:"omitempty,oneof=PENDING PROCESSING VALIDATING VALIDATED APPROVED REJECTED MANUAL_REVIEW CASHBACK_APPLIED EXPIRED"`
	// Merchant matches a case-insensitive substring of the merchant name.
	Merchant  string
	MinAmount *float64 `validate:"omitempty,finite,gte=0"`
	MaxAmount *float64 `validate:"omitempty,finite,gte=0"`
	// From and To bound the creation time as [From, To).
	From      time.Time
	To        time.Time
	Page      int       `validate:"gte=0"`
	Limit     int       `validate:"gte=0,lte=100"`
	SortBy    SortField `validate:"omitempty,oneof=createdAt totalAmount fraudScore"`
	Ascending bool
}

// normalized fills in paging and sort defaults. Newest first unless told otherwise.
func (f ReceiptFilter) normalized() ReceiptFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.SortBy == "" {
		f.SortBy = SortByCreatedAt
	}
	return f
}

func (f ReceiptFilter) offset() int {
	return (f.Page - 1) * f.Limit
}

// ReceiptPage is one page of a filtered listing
type ReceiptPage struct {
	Receipts []*Receipt `json:"receipts"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	Limit    int        `json:"limit"`
}

// matches reports whether r passes every filter criterion
func (f ReceiptFilter) matches(r *Receipt) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Merchant != "" && !strings.Contains(strings.ToLower(r.MerchantName), strings.ToLower(f.Merchant)) {
		return false
	}
	if f.MinAmount != nil && r.TotalAmount < *f.MinAmount {
		return false
	}
	if f.MaxAmount != nil && r.TotalAmount > *f.MaxAmount {
		return false
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// applyFilter filters, sorts and pages receipts held in memory
func applyFilter(all []*Receipt, f ReceiptFilter) *ReceiptPage {
	f = f.normalized()

	matched := make([]*Receipt, 0, len(all))
	for _, r := range all {
		if f.matches(r) {
			matched = append(matched, r)
		}
	}

	slices.SortStableFunc(matched, func(a, b *Receipt) int {
		var c int
		switch f.SortBy {
		case SortByAmount:
			c = cmp.Compare(a.TotalAmount, b.TotalAmount)
		case SortByFraudScore:
			c = cmp.Compare(a.FraudScore, b.FraudScore)
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if !f.Ascending {
			c = -c
		}
		return c
	})

	page := &ReceiptPage{
		Receipts: []*Receipt{},
		Total:    len(matched),
		Page:     f.Page,
		Limit:    f.Limit,
	}
	start := f.offset()
	if start >= len(matched) {
		return page
	}
	end := min(start+f.Limit, len(matched))
	page.Receipts = matched[start:end]
	return page
}
