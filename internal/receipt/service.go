package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/boomcard/receipt-trust/internal/cashback"
	"github.com/boomcard/receipt-trust/internal/fraud"
	"github.com/boomcard/receipt-trust/internal/scanning"
)

const tracerName = "github.com/boomcard/receipt-trust/internal/receipt"

// maxRecognizeAttempts bounds recognition retries after an engine timeout
const maxRecognizeAttempts = 2

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// finite rejects NaN and the infinities, which range checks let through
	if err := v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field()
		if f.Kind() != reflect.Float32 && f.Kind() != reflect.Float64 {
			return true
		}
		return !math.IsNaN(f.Float()) && !math.IsInf(f.Float(), 0)
	}); err != nil {
		panic(err)
	}
	return v
}

// TextRecognizer reads the text of a receipt image
type TextRecognizer interface {
	Recognize(ctx context.Context, imageData []byte, contentType string) (*scanning.Recognition, error)
}

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Service runs receipt submissions through recognition, extraction, trust
// scoring and review
type Service struct {
	db          DB
	recognizer  TextRecognizer
	parser      *scanning.Parser
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
	defaults    VenueConfig
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithDefaultPolicy sets the policy used for venues without a stored config.
// Unset fields keep the built-in defaults.
func WithDefaultPolicy(policy VenueConfig) ServiceOption {
	return func(s *Service) {
		s.defaults = policy.withDefaults(DefaultVenueConfig())
	}
}

// WithParser replaces the receipt field extractor
func WithParser(parser *scanning.Parser) ServiceOption {
	return func(s *Service) {
		if parser != nil {
			s.parser = parser
		}
	}
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, recognizer TextRecognizer, storage Storage, opts ...ServiceOption) *Service {
	return NewServiceWithDeps(db, recognizer, storage, &uuidGenerator{}, &defaultTimeSource{}, opts...)
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, recognizer TextRecognizer, storage Storage, idGen IDGenerator, timeSrc TimeSource, opts ...ServiceOption) *Service {
	s := &Service{
		db:          db,
		recognizer:  recognizer,
		parser:      scanning.NewParser(),
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		defaults:    DefaultVenueConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	filenameSpecialChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces       = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = filenameSpecialChars.ReplaceAllString(base, "")
	base = filenameSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// 50 chars for the base, plus extension
	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "receipt"
	}
	if filenameSpecialChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}

	return base + ext
}

func validationFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Submission is one receipt image sent in by a user
type Submission struct {
	UserID      string `validate:"required"`
	Filename    string
	ContentType string
	Image       []byte `validate:"min=1"`

	// DeclaredAmount is the total the user typed in. Nil or zero means none.
	DeclaredAmount *float64 `validate:"omitempty,finite,gte=0"`

	VenueID       string
	OfferID       string
	TransactionID string

	Latitude  *float64 `validate:"omitempty,finite,gte=-90,lte=90"`
	Longitude *float64 `validate:"omitempty,finite,gte=-180,lte=180"`

	// SubmissionCount is how many times the client has sent this receipt.
	SubmissionCount int `validate:"gte=0"`
}

func (sub Submission) declaredAmount() *float64 {
	if sub.DeclaredAmount == nil || *sub.DeclaredAmount == 0 {
		return nil
	}
	return sub.DeclaredAmount
}

func (sub Submission) position() *fraud.Coordinates {
	if sub.Latitude == nil || sub.Longitude == nil {
		return nil
	}
	return &fraud.Coordinates{Latitude: *sub.Latitude, Longitude: *sub.Longitude}
}

// Submit hashes, reads, scores and stores a receipt. The returned receipt is
// APPROVED, MANUAL_REVIEW or REJECTED.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "receipt.submit")
	defer span.End()

	receipt, err := s.submit(ctx, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("receipt.id", receipt.ID),
		attribute.String("receipt.status", string(receipt.Status)),
		attribute.Int("receipt.fraud_score", receipt.FraudScore),
	)
	return receipt, nil
}

func (s *Service) submit(ctx context.Context, sub Submission) (*Receipt, error) {
	if err := validate.Struct(sub); err != nil {
		return nil, validationFailed(err)
	}

	hash, err := scanning.HashImage(bytes.NewReader(sub.Image))
	if err != nil {
		return nil, fmt.Errorf("hashing image: %w", err)
	}

	existing, err := s.db.FindByImageHash(ctx, hash)
	if err == nil {
		slog.Warn("Duplicate receipt image", "user_id", sub.UserID, "existing_id", existing.ID)
		return nil, fmt.Errorf("%w: image already submitted as receipt %s", ErrDuplicateReceipt, existing.ID)
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("checking duplicate image: %w", err)
	}

	recognition, err := s.recognize(ctx, sub.Image, sub.ContentType)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"filename", sub.Filename,
			"content_type", sub.ContentType,
			"file_size", len(sub.Image),
			"error", err,
		)
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}
	data := s.parser.Parse(recognition.Text, recognition.Confidence)

	now := s.timeSource.Now()
	policy, err := s.policy(ctx, sub.VenueID)
	if err != nil {
		return nil, err
	}

	signals, err := s.signals(ctx, sub, data, policy, now)
	if err != nil {
		return nil, err
	}
	result := fraud.Score(signals)

	receipt := &Receipt{
		ID:            s.idGenerator.Generate(),
		UserID:        sub.UserID,
		VenueID:       sub.VenueID,
		OfferID:       sub.OfferID,
		TransactionID: sub.TransactionID,
		MerchantName:  data.MerchantName,
		ReceiptDate:   data.Date,
		Items:         data.Items,
		OCRRawText:    data.RawText,
		OCRAmount:     data.TotalAmount,
		ImageHash:     hash,
		FraudScore:    result.Score,
		FraudReasons:  result.Reasons,
		OCRConfidence: data.Confidence,
		Latitude:      sub.Latitude,
		Longitude:     sub.Longitude,
		Status:        StatusPending,
		ContentType:   sub.ContentType,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch {
	case sub.declaredAmount() != nil:
		receipt.TotalAmount = *sub.declaredAmount()
	case data.TotalAmount != nil:
		receipt.TotalAmount = *data.TotalAmount
	}

	if err := receipt.apply(EventForDecision(result.Decision())); err != nil {
		return nil, err
	}
	if receipt.Status == StatusApproved {
		terms, err := s.cashbackTerms(ctx, policy, receipt.UserID, receipt.OfferID, now)
		if err != nil {
			return nil, err
		}
		terms.award(receipt, receipt.TotalAmount)
	}

	var printed time.Time
	if data.Date != "" {
		// An unparseable date is treated like a missing one.
		printed, _ = scanning.ParseReceiptDate(data.Date)
	}
	receipt.Stale = fraud.CheckReceiptAge(printed, now, policy.MaxReceiptAgeDays).Stale

	savedPath, err := s.storage.Save(ctx, fmt.Sprintf("%s_%s", receipt.ID, sanitizeFilename(sub.Filename)), sub.Image, sub.ContentType)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}
	receipt.ImageFile = savedPath

	if err := s.db.CreateReceipt(ctx, receipt); err != nil {
		if delErr := s.storage.Delete(ctx, savedPath); delErr != nil {
			slog.Warn("Failed to delete file", "filename", savedPath, "error", delErr)
		}
		if errors.Is(err, ErrDuplicateReceipt) {
			return nil, err
		}
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	slog.Info("Receipt submitted",
		"id", receipt.ID,
		"user_id", receipt.UserID,
		"status", receipt.Status,
		"fraud_score", receipt.FraudScore,
		"fraud_reasons", receipt.FraudReasons,
		"cashback_amount", receipt.CashbackAmount,
	)
	return receipt, nil
}

// recognize calls the recognizer, retrying once when the engine timed out
// but the caller is still waiting
func (s *Service) recognize(ctx context.Context, imageData []byte, contentType string) (*scanning.Recognition, error) {
	var err error
	for attempt := 1; attempt <= maxRecognizeAttempts; attempt++ {
		var recognition *scanning.Recognition
		recognition, err = s.recognizer.Recognize(ctx, imageData, contentType)
		if err == nil {
			if recognition == nil {
				return nil, fmt.Errorf("%w: no result", scanning.ErrRecognition)
			}
			return recognition, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			break
		}
		slog.Warn("Text recognition timed out", "attempt", attempt, "error", err)
	}
	return nil, err
}

// policy resolves the venue's config, the global config or the defaults
func (s *Service) policy(ctx context.Context, venueID string) (VenueConfig, error) {
	config, err := s.db.GetVenueConfig(ctx, venueID)
	if isNotFound(err) {
		return s.defaults, nil
	}
	if err != nil {
		return VenueConfig{}, fmt.Errorf("getting venue config: %w", err)
	}
	return config.withDefaults(s.defaults), nil
}

// signals gathers everything fraud.Score looks at for one submission
func (s *Service) signals(ctx context.Context, sub Submission, data scanning.ReceiptData, policy VenueConfig, now time.Time) (fraud.Signals, error) {
	confidence := data.Confidence
	signals := fraud.Signals{
		OCRConfidence:   &confidence,
		SubmissionCount: sub.SubmissionCount,
		MaxDailyScans:   policy.MaxScansPerDay,
	}

	if declared := sub.declaredAmount(); declared != nil {
		check := fraud.CompareAmounts(data.TotalAmount, declared, policy.AmountTolerancePercent)
		signals.AmountMismatch = !check.Valid
		signals.AmountDifferencePercent = check.DifferencePercent
	}

	if venue, ok := policy.venueLocation(); ok && policy.GPSVerificationEnabled {
		check := fraud.CheckGeofence(sub.position(), venue, policy.GeofenceRadiusMeters)
		signals.IsOutsideGeofence = !check.Valid
		if check.DistanceMeters != nil {
			signals.DistanceFromVenue = *check.DistanceMeters
		}
	}

	daily, err := s.db.CountSubmissionsSince(ctx, sub.UserID, startOfDay(now))
	if err != nil {
		return fraud.Signals{}, fmt.Errorf("counting daily submissions: %w", err)
	}
	signals.UserDailyScans = daily

	var merchant *Merchant
	if data.MerchantName != "" {
		merchant, err = s.db.GetMerchant(ctx, data.MerchantName)
		if err != nil && !isNotFound(err) {
			return fraud.Signals{}, fmt.Errorf("getting merchant: %w", err)
		}
	}
	if merchant != nil {
		signals.MerchantBlacklisted = merchant.Status == MerchantBlocked
	}
	if policy.RequireWhitelistedMerchant {
		whitelisted := merchant != nil && merchant.Status == MerchantApproved
		signals.MerchantWhitelisted = &whitelisted
	}

	pattern, err := s.recentPattern(ctx, sub, data.MerchantName, now)
	if err != nil {
		return fraud.Signals{}, err
	}
	signals.SuspiciousPattern = fraud.DetectSuspiciousPattern(pattern)

	return signals, nil
}

// recentPattern summarizes the user's last day of submissions, counting the
// current one
func (s *Service) recentPattern(ctx context.Context, sub Submission, merchantName string, now time.Time) (fraud.SubmissionPattern, error) {
	page, err := s.db.ListReceipts(ctx, ReceiptFilter{
		UserID: sub.UserID,
		From:   now.Add(-24 * time.Hour),
		Limit:  maxPageSize,
	})
	if err != nil {
		return fraud.SubmissionPattern{}, fmt.Errorf("listing recent submissions: %w", err)
	}

	times := []time.Time{now}
	venues := []bool{true}
	merchants := []bool{true}
	for _, r := range page.Receipts {
		times = append(times, r.CreatedAt)
		venues = append(venues, sub.VenueID != "" && r.VenueID == sub.VenueID)
		merchants = append(merchants, merchantName != "" && merchantKey(r.MerchantName) == merchantKey(merchantName))
	}
	return fraud.PatternFromTimes(now, times, venues, merchants), nil
}

// cashbackTerms holds what a receipt's cashback depends on besides its amount
type cashbackTerms struct {
	policy   VenueConfig
	cardType cashback.CardType
	discount float64
}

// cashbackTerms looks up the user's card tier and the offer's discount if the
// offer is active at now
func (s *Service) cashbackTerms(ctx context.Context, policy VenueConfig, userID, offerID string, now time.Time) (cashbackTerms, error) {
	terms := cashbackTerms{policy: policy, cardType: cashback.CardStandard}

	card, err := s.db.GetCard(ctx, userID)
	switch {
	case err == nil:
		terms.cardType = card.Type
	case !isNotFound(err):
		return cashbackTerms{}, fmt.Errorf("getting card: %w", err)
	}

	if offerID != "" {
		offer, err := s.db.GetOffer(ctx, offerID)
		switch {
		case err == nil:
			if offer.ActiveAt(now) {
				terms.discount = offer.DiscountPercent
			}
		case !isNotFound(err):
			return cashbackTerms{}, fmt.Errorf("getting offer: %w", err)
		}
	}
	return terms, nil
}

// award sets r's cashback for amount
func (t cashbackTerms) award(r *Receipt, amount float64) {
	result := cashback.Compute(cashback.Params{
		Amount:            amount,
		BasePercent:       t.policy.CashbackPercent,
		CardType:          t.cardType,
		PremiumBonus:      t.policy.PremiumBonus,
		PlatinumBonus:     t.policy.PlatinumBonus,
		MaxPerTransaction: t.policy.MaxCashbackPerScan,
		OfferDiscount:     t.discount,
	})
	r.CardType = t.cardType
	r.CashbackPercent = result.Percent
	r.CashbackAmount = result.Amount
}

// ScanReceipt reads and extracts a receipt without scoring or storing it
func (s *Service) ScanReceipt(ctx context.Context, data []byte, contentType string) (*scanning.ReceiptData, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "receipt.scan")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", scanning.ErrUnreadableImage)
	}
	recognition, err := s.recognize(ctx, data, contentType)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}
	result := s.parser.Parse(recognition.Text, recognition.Confidence)
	return &result, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns one page of receipts matching the filter
func (s *Service) ListReceipts(ctx context.Context, filter ReceiptFilter) (*ReceiptPage, error) {
	if err := validate.Struct(filter); err != nil {
		return nil, validationFailed(err)
	}
	if filter.MinAmount != nil && filter.MaxAmount != nil && *filter.MinAmount > *filter.MaxAmount {
		return nil, validationError("minAmount is greater than maxAmount")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return nil, validationError("from is after to")
	}

	page, err := s.db.ListReceipts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return page, nil
}

// PendingReview lists receipts waiting for an admin, oldest first
func (s *Service) PendingReview(ctx context.Context, page, limit int) (*ReceiptPage, error) {
	return s.ListReceipts(ctx, ReceiptFilter{
		Status:    StatusManualReview,
		Page:      page,
		Limit:     limit,
		Ascending: true,
	})
}

// CheckDuplicate returns the receipt already submitted with hash, or nil
func (s *Service) CheckDuplicate(ctx context.Context, hash string) (*Receipt, error) {
	if err := validate.Var(hash, "required,len=64,hexadecimal"); err != nil {
		return nil, validationError("hash must be a hex SHA-256 digest")
	}
	receipt, err := s.db.FindByImageHash(ctx, strings.ToLower(hash))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checking duplicate image: %w", err)
	}
	return receipt, nil
}

// DeleteReceipt removes a receipt and its file. Receipts whose cashback was
// paid out are kept.
func (s *Service) DeleteReceipt(ctx context.Context, id string) error {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}
	if receipt.Status == StatusCashbackApplied {
		return fmt.Errorf("deleting receipt %s: %w", id, ErrCashbackApplied)
	}

	if err := s.storage.Delete(ctx, receipt.ImageFile); err != nil {
		slog.Warn("Failed to delete file", "filename", receipt.ImageFile, "error", err)
	}

	if err := s.db.DeleteReceipt(ctx, id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the image for a receipt
func (s *Service) GetReceiptFile(ctx context.Context, id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(ctx, receipt.ImageFile)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt.ContentType, nil
}
