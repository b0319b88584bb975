package fraud

import "time"

// SubmissionPattern summarizes a user's recent submission behaviour
type SubmissionPattern struct {
	SubmissionsLast24h  int
	SubmissionsLastHour int
	// AverageInterval is the mean gap between submissions. Zero means there
	// were not enough submissions to measure one.
	AverageInterval   time.Duration
	SameVenueCount    int
	SameMerchantCount int
}

const (
	maxSubmissionsPerHour  = 5
	minAverageInterval     = time.Minute
	maxSameVenueCount      = 10
	maxSingleMerchantCount = 5
)

// DetectSuspiciousPattern flags bursts of submissions, rapid-fire
// submissions, heavy use of one venue, or a day spent entirely on one
// merchant.
func DetectSuspiciousPattern(p SubmissionPattern) bool {
	if p.SubmissionsLastHour > maxSubmissionsPerHour {
		return true
	}
	if p.AverageInterval > 0 && p.AverageInterval < minAverageInterval {
		return true
	}
	if p.SameVenueCount > maxSameVenueCount {
		return true
	}
	if p.SameMerchantCount == p.SubmissionsLast24h && p.SameMerchantCount > maxSingleMerchantCount {
		return true
	}
	return false
}

// PatternFromTimes builds a SubmissionPattern from the timestamps of a
// user's earlier submissions. venueMatches and merchantMatches report, per
// timestamp, whether it was at the same venue or merchant as the current one.
func PatternFromTimes(now time.Time, times []time.Time, venueMatches, merchantMatches []bool) SubmissionPattern {
	var p SubmissionPattern
	var recent []time.Time
	for i, t := range times {
		if now.Sub(t) > 24*time.Hour {
			continue
		}
		recent = append(recent, t)
		p.SubmissionsLast24h++
		if now.Sub(t) <= time.Hour {
			p.SubmissionsLastHour++
		}
		if i < len(venueMatches) && venueMatches[i] {
			p.SameVenueCount++
		}
		if i < len(merchantMatches) && merchantMatches[i] {
			p.SameMerchantCount++
		}
	}

	if len(recent) >= 2 {
		earliest, latest := recent[0], recent[0]
		for _, t := range recent[1:] {
			if t.Before(earliest) {
				earliest = t
			}
			if t.After(latest) {
				latest = t
			}
		}
		p.AverageInterval = latest.Sub(earliest) / time.Duration(len(recent)-1)
	}
	return p
}
