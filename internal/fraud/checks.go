package fraud

import (
	"math"
	"time"
)

// Defaults used when a venue does not configure its own policy.
const (
	DefaultAmountThresholdPercent = 10.0
	DefaultGeofenceRadiusMeters   = 100.0
	DefaultMaxReceiptAgeDays      = 7

	earthRadiusMeters = 6371e3
)

// AmountCheck is the outcome of comparing the OCR total with the declared one
type AmountCheck struct {
	Valid             bool    `json:"valid"`
	DifferencePercent float64 `json:"differencePercent"`
}

// CompareAmounts compares the recognized total with the total the user
// declared as |a-b| / max(a,b) * 100. The score bands were tuned against this
// exact formula. A missing or zero value on either side is not a pass.
func CompareAmounts(ocrAmount, userAmount *float64, thresholdPercent float64) AmountCheck {
	if ocrAmount == nil || userAmount == nil || *ocrAmount == 0 || *userAmount == 0 {
		return AmountCheck{Valid: false}
	}
	a, b := *ocrAmount, *userAmount
	diff := math.Abs(a-b) / math.Max(a, b) * 100
	return AmountCheck{
		Valid:             diff <= thresholdPercent,
		DifferencePercent: diff,
	}
}

// Coordinates is a WGS84 position in decimal degrees
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Distance returns the great-circle distance between two points in metres
func Distance(a, b Coordinates) float64 {
	phi1 := a.Latitude * math.Pi / 180
	phi2 := b.Latitude * math.Pi / 180
	dPhi := (b.Latitude - a.Latitude) * math.Pi / 180
	dLambda := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// GeofenceCheck is the outcome of the GPS sub-check. DistanceMeters is nil
// when the submitter's position is unknown.
type GeofenceCheck struct {
	Valid          bool     `json:"valid"`
	DistanceMeters *float64 `json:"distanceMeters"`
}

// CheckGeofence verifies that the submitter was within radiusMeters of the
// venue. Missing coordinates fail the check.
func CheckGeofence(user *Coordinates, venue Coordinates, radiusMeters float64) GeofenceCheck {
	if user == nil {
		return GeofenceCheck{Valid: false}
	}
	d := Distance(*user, venue)
	return GeofenceCheck{
		Valid:          d <= radiusMeters,
		DistanceMeters: &d,
	}
}

// AgeCheck is the outcome of the receipt-age sub-check
type AgeCheck struct {
	Stale   bool     `json:"stale"`
	AgeDays *float64 `json:"ageDays"`
}

// CheckReceiptAge reports how old a receipt is relative to now. A zero date
// is unknown and counts as stale. maxDays <= 0 uses the default of 7.
func CheckReceiptAge(date, now time.Time, maxDays int) AgeCheck {
	if date.IsZero() {
		return AgeCheck{Stale: true}
	}
	if maxDays <= 0 {
		maxDays = DefaultMaxReceiptAgeDays
	}
	age := now.Sub(date).Hours() / 24
	return AgeCheck{
		Stale:   age > float64(maxDays),
		AgeDays: &age,
	}
}
