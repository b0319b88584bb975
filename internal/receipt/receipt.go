package receipt

import (
	"strings"
	"time"

	"github.com/boomcard/receipt-trust/internal/cashback"
	"github.com/boomcard/receipt-trust/internal/fraud"
	"github.com/boomcard/receipt-trust/internal/scanning"
)

// Status is the lifecycle state of a receipt. Values are a wire contract.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusProcessing      Status = "PROCESSING"
	StatusValidating      Status = "VALIDATING"
	StatusValidated       Status = "VALIDATED"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusManualReview    Status = "MANUAL_REVIEW"
	StatusCashbackApplied Status = "CASHBACK_APPLIED"
	StatusExpired         Status = "EXPIRED"
)

// AllStatuses lists every lifecycle state
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusValidating,
	StatusValidated,
	StatusApproved,
	StatusRejected,
	StatusManualReview,
	StatusCashbackApplied,
	StatusExpired,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Receipt is a submitted receipt together with its trust evaluation
type Receipt struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	VenueID       string `json:"venueId,omitempty"`
	OfferID       string `json:"offerId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`

	MerchantName string          `json:"merchantName,omitempty"`
	ReceiptDate  string          `json:"receiptDate,omitempty"` // as printed on the receipt
	Stale        bool            `json:"stale"`
	Items        []scanning.Item `json:"items,omitempty"`
	OCRRawText   string          `json:"ocrRawText,omitempty"`

	// TotalAmount is the declared total, or the recognized one when the
	// user did not declare any.
	TotalAmount     float64           `json:"totalAmount"`
	OCRAmount       *float64          `json:"ocrAmount,omitempty"`
	VerifiedAmount  *float64          `json:"verifiedAmount,omitempty"`
	CashbackPercent float64           `json:"cashbackPercent"`
	CashbackAmount  float64           `json:"cashbackAmount"`
	CardType        cashback.CardType `json:"cardType,omitempty"`

	ImageHash     string         `json:"imageHash"`
	FraudScore    int            `json:"fraudScore"`
	FraudReasons  []fraud.Reason `json:"fraudReasons"`
	OCRConfidence float64        `json:"ocrConfidence"`
	Latitude      *float64       `json:"latitude,omitempty"`
	Longitude     *float64       `json:"longitude,omitempty"`

	Status          Status     `json:"status"`
	ReviewedBy      string     `json:"reviewedBy,omitempty"`
	ReviewedAt      *time.Time `json:"reviewedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	ReviewNotes     string     `json:"reviewNotes,omitempty"`

	ImageFile   string    `json:"imageFile"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// VenueConfig is a venue's fraud and cashback policy. The config stored
// under the empty venue ID is the global fallback.
type VenueConfig struct {
	VenueID   string   `json:"venueId"`
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`

	GPSVerificationEnabled     bool    `json:"gpsVerificationEnabled"`
	GeofenceRadiusMeters       float64 `json:"geofenceRadiusMeters" validate:"gte=0"`
	MaxScansPerDay             int     `json:"maxScansPerDay" validate:"gte=0"`
	AmountTolerancePercent     float64 `json:"amountTolerancePercent" validate:"gte=0,lte=100"`
	MaxReceiptAgeDays          int     `json:"maxReceiptAgeDays" validate:"gte=0"`
	RequireWhitelistedMerchant bool    `json:"requireWhitelistedMerchant"`

	CashbackPercent    float64 `json:"cashbackPercent" validate:"gte=0,lte=100"`
	PremiumBonus       float64 `json:"premiumBonus" validate:"gte=0,lte=100"`
	PlatinumBonus      float64 `json:"platinumBonus" validate:"gte=0,lte=100"`
	MaxCashbackPerScan float64 `json:"maxCashbackPerScan" validate:"gte=0"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultVenueConfig is the policy used when nothing is configured
func DefaultVenueConfig() VenueConfig {
	return VenueConfig{
		GeofenceRadiusMeters:   fraud.DefaultGeofenceRadiusMeters,
		MaxScansPerDay:         cashback.DefaultMaxScansPerDay,
		AmountTolerancePercent: fraud.DefaultAmountThresholdPercent,
		MaxReceiptAgeDays:      fraud.DefaultMaxReceiptAgeDays,
		CashbackPercent:        cashback.DefaultBasePercent,
		PremiumBonus:           cashback.DefaultPremiumBonus,
		PlatinumBonus:          cashback.DefaultPlatinumBonus,
		MaxCashbackPerScan:     cashback.DefaultMaxPerReceipt,
	}
}

// withDefaults fills unset numeric fields from defaults
func (c VenueConfig) withDefaults(defaults VenueConfig) VenueConfig {
	if c.GeofenceRadiusMeters == 0 {
		c.GeofenceRadiusMeters = defaults.GeofenceRadiusMeters
	}
	if c.MaxScansPerDay == 0 {
		c.MaxScansPerDay = defaults.MaxScansPerDay
	}
	if c.AmountTolerancePercent == 0 {
		c.AmountTolerancePercent = defaults.AmountTolerancePercent
	}
	if c.MaxReceiptAgeDays == 0 {
		c.MaxReceiptAgeDays = defaults.MaxReceiptAgeDays
	}
	if c.CashbackPercent == 0 {
		c.CashbackPercent = defaults.CashbackPercent
	}
	if c.PremiumBonus == 0 {
		c.PremiumBonus = defaults.PremiumBonus
	}
	if c.PlatinumBonus == 0 {
		c.PlatinumBonus = defaults.PlatinumBonus
	}
	if c.MaxCashbackPerScan == 0 {
		c.MaxCashbackPerScan = defaults.MaxCashbackPerScan
	}
	return c
}

// venueLocation returns the venue's coordinates when both are known
func (c VenueConfig) venueLocation() (fraud.Coordinates, bool) {
	if c.Latitude == nil || c.Longitude == nil {
		return fraud.Coordinates{}, false
	}
	return fraud.Coordinates{Latitude: *c.Latitude, Longitude: *c.Longitude}, true
}

// MerchantStatus is a merchant's standing in the whitelist registry
type MerchantStatus string

const (
	MerchantApproved MerchantStatus = "APPROVED"
	MerchantBlocked  MerchantStatus = "BLOCKED"
	MerchantPending  MerchantStatus = "PENDING"
)

// Merchant is a whitelist registry entry. Names match case-insensitively.
type Merchant struct {
	Name      string         `json:"name" validate:"required"`
	Status    MerchantStatus `json:"status" validate:"required,oneof=APPROVED BLOCKED PENDING"`
	Reason    string         `json:"reason,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func merchantKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Offer is a promotion that adds DiscountPercent to the cashback rate while active
type Offer struct {
	ID              string     `json:"id" validate:"required"`
	DiscountPercent float64    `json:"discountPercent" validate:"gte=0,lte=100"`
	ActiveFrom      *time.Time `json:"activeFrom,omitempty"`
	ActiveUntil     *time.Time `json:"activeUntil,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// ActiveAt reports whether the offer applies at t. Open ends are unbounded.
func (o Offer) ActiveAt(t time.Time) bool {
	if o.ActiveFrom != nil && t.Before(*o.ActiveFrom) {
		return false
	}
	if o.ActiveUntil != nil && t.After(*o.ActiveUntil) {
		return false
	}
	return true
}

// Card is the card tier held by a user
type Card struct {
	UserID    string            `json:"userId" validate:"required"`
	Type      cashback.CardType `json:"type" validate:"required,oneof=STANDARD PREMIUM PLATINUM"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
