package fraud

// Reason is a stable code naming one risk signal that contributed to a score.
// Codes are a wire contract: UI and localization layers look them up as keys.
type Reason string

const (
	ReasonDuplicateImage         Reason = "DUPLICATE_IMAGE"
	ReasonLargeAmountMismatch    Reason = "LARGE_AMOUNT_MISMATCH"
	ReasonAmountMismatch         Reason = "AMOUNT_MISMATCH"
	ReasonGPSFarFromVenue        Reason = "GPS_FAR_FROM_VENUE"
	ReasonGPSOutsideRange        Reason = "GPS_OUTSIDE_RANGE"
	ReasonLowOCRConfidence       Reason = "LOW_OCR_CONFIDENCE"
	ReasonMultipleSubmissions    Reason = "MULTIPLE_SUBMISSIONS"
	ReasonDailyLimitExceeded     Reason = "DAILY_LIMIT_EXCEEDED"
	ReasonApproachingDailyLimit  Reason = "APPROACHING_DAILY_LIMIT"
	ReasonMerchantBlacklisted    Reason = "MERCHANT_BLACKLISTED"
	ReasonMerchantNotWhitelisted Reason = "MERCHANT_NOT_WHITELISTED"
	ReasonSuspiciousPattern      Reason = "SUSPICIOUS_PATTERN"
)

// AllReasons is the closed set of reason codes, in scoring order.
var AllReasons = []Reason{
	ReasonDuplicateImage,
	ReasonLargeAmountMismatch,
	ReasonAmountMismatch,
	ReasonGPSFarFromVenue,
	ReasonGPSOutsideRange,
	ReasonLowOCRConfidence,
	ReasonMultipleSubmissions,
	ReasonDailyLimitExceeded,
	ReasonApproachingDailyLimit,
	ReasonMerchantBlacklisted,
	ReasonMerchantNotWhitelisted,
	ReasonSuspiciousPattern,
}

// Valid reports whether r is one of AllReasons
func (r Reason) Valid() bool {
	for _, known := range AllReasons {
		if r == known {
			return true
		}
	}
	return false
}

// Score weights and bands. The bands are a compatibility contract.
const (
	MaxScore = 100

	ApproveMaxScore = 30
	ReviewMaxScore  = 60

	LowConfidenceThreshold = 50.0
	approachingLimitRatio  = 0.8
)

// Signals are the independent inputs to Score. Zero values mean the signal
// was not observed. Pointer fields distinguish "unknown" from a real zero.
type Signals struct {
	IsDuplicate bool

	AmountMismatch          bool
	AmountDifferencePercent float64

	IsOutsideGeofence bool
	DistanceFromVenue float64 // metres

	OCRConfidence *float64

	// SubmissionCount is how many times the same receipt has been submitted.
	SubmissionCount int

	UserDailyScans int
	MaxDailyScans  int

	MerchantBlacklisted bool
	// MerchantWhitelisted is nil when whitelisting is not in effect.
	MerchantWhitelisted *bool

	SuspiciousPattern bool
}

// Decision is the routing band of a score
type Decision string

const (
	DecisionApprove      Decision = "APPROVE"
	DecisionManualReview Decision = "MANUAL_REVIEW"
	DecisionReject       Decision = "REJECT"
)

// Decide maps a score onto its band: at most 30 approves, 31 to 60 needs a
// human, anything higher rejects.
func Decide(score int) Decision {
	switch {
	case score <= ApproveMaxScore:
		return DecisionApprove
	case score <= ReviewMaxScore:
		return DecisionManualReview
	default:
		return DecisionReject
	}
}

// Result is the outcome of scoring one submission
type Result struct {
	Score                int      `json:"fraudScore"`
	Reasons              []Reason `json:"fraudReasons"`
	IsApproved           bool     `json:"isApproved"`
	RequiresManualReview bool     `json:"requiresManualReview"`
}

// Decision returns the routing band of the result
func (r Result) Decision() Decision {
	return Decide(r.Score)
}

// Score adds up the contribution of every triggered signal, caps the total
// at 100 and routes it. No rule suppresses another, so Reasons lists every
// signal that fired in scoring order.
func Score(s Signals) Result {
	score := 0
	reasons := []Reason{}

	add := func(points int, reason Reason) {
		score += points
		reasons = append(reasons, reason)
	}

	if s.IsDuplicate {
		add(40, ReasonDuplicateImage)
	}

	if s.AmountMismatch {
		switch {
		case s.AmountDifferencePercent > 50:
			add(30, ReasonLargeAmountMismatch)
		case s.AmountDifferencePercent > 20:
			add(15, ReasonAmountMismatch)
		}
	}

	if s.IsOutsideGeofence {
		switch {
		case s.DistanceFromVenue > 500:
			add(25, ReasonGPSFarFromVenue)
		case s.DistanceFromVenue > 200:
			add(15, ReasonGPSOutsideRange)
		}
	}

	if s.OCRConfidence != nil && *s.OCRConfidence < LowConfidenceThreshold {
		add(20, ReasonLowOCRConfidence)
	}

	if s.SubmissionCount > 1 {
		add(5*s.SubmissionCount, ReasonMultipleSubmissions)
	}

	if s.UserDailyScans > 0 && s.MaxDailyScans > 0 {
		switch {
		case s.UserDailyScans >= s.MaxDailyScans:
			add(30, ReasonDailyLimitExceeded)
		case float64(s.UserDailyScans) >= float64(s.MaxDailyScans)*approachingLimitRatio:
			add(10, ReasonApproachingDailyLimit)
		}
	}

	if s.MerchantBlacklisted {
		add(50, ReasonMerchantBlacklisted)
	} else if s.MerchantWhitelisted != nil && !*s.MerchantWhitelisted {
		add(10, ReasonMerchantNotWhitelisted)
	}

	if s.SuspiciousPattern {
		add(15, ReasonSuspiciousPattern)
	}

	score = min(max(score, 0), MaxScore)
	decision := Decide(score)

	return Result{
		Score:                score,
		Reasons:              reasons,
		IsApproved:           decision == DecisionApprove,
		RequiresManualReview: decision == DecisionManualReview,
	}
}
