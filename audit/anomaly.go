package audit

import "time"

// AnomalyDetector scores an event against the user's trailing history.
// Each sub-check contributes an independent weight; the weights are summed
// and the manager merges the total with the base risk score by taking the
// larger of the two, clamped to [0,1].
//
// SUB-CHECKS:
//   - Time:      unusual hour (+0.3), unusual weekend access (+0.2)
//   - Location:  new IP (+0.4), new country (+0.3), impossible travel (+0.5)
//   - Frequency: burst >10 events in 5 minutes (+0.3),
//     per-credential rate >3x trailing daily average (+0.2)
//   - Device:    new user agent (+0.2), new device fingerprint (+0.3)
//
// Geo-based checks need Country on the event; when GeoIP enrichment is
// unavailable they are skipped silently.
type AnomalyDetector struct {
	// HistoryWindow bounds how much history feeds the detector. 30 days.
	HistoryWindow time.Duration
}

// NewAnomalyDetector returns a detector with the default 30-day window.
func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{HistoryWindow: 30 * 24 * time.Hour}
}

// Score computes the summed anomaly weight for event given the user's
// trailing history (newest first, as returned by Sink.Query). A user with
// no history scores zero: there is nothing to deviate from.
func (d *AnomalyDetector) Score(event Event, history []Event) float64 {
	if len(history) == 0 {
		return 0
	}

	score := d.timeScore(event, history)
	score += d.locationScore(event, history)
	score += d.frequencyScore(event, history)
	score += d.deviceScore(event, history)
	return score
}

func (d *AnomalyDetector) timeScore(event Event, history []Event) float64 {
	var score float64

	hourCounts := make(map[int]int)
	weekendCount := 0
	for _, h := range history {
		hourCounts[h.Timestamp.Hour()]++
		if wd := h.Timestamp.Weekday(); wd == time.Saturday || wd == time.Sunday {
			weekendCount++
		}
	}

	peak := 0
	for _, c := range hourCounts {
		if c > peak {
			peak = c
		}
	}

	// Current hour used less than 10% as often as the user's peak hour.
	if peak > 0 {
		current := hourCounts[event.Timestamp.Hour()]
		if float64(current) < 0.1*float64(peak) {
			score += 0.3
		}
	}

	// Weekend access from a user whose history is almost entirely weekdays.
	if wd := event.Timestamp.Weekday(); wd == time.Saturday || wd == time.Sunday {
		if float64(weekendCount) < 0.1*float64(len(history)) {
			score += 0.2
		}
	}

	return score
}

func (d *AnomalyDetector) locationScore(event Event, history []Event) float64 {
	if event.IP == "" {
		return 0
	}

	var score float64

	knownIP := false
	knownCountry := event.Country == ""
	for _, h := range history {
		if h.IP == event.IP {
			knownIP = true
		}
		if event.Country != "" && h.Country == event.Country {
			knownCountry = true
		}
	}

	if !knownIP {
		score += 0.4
		if !knownCountry {
			score += 0.3
		}
	}

	// Impossible travel: a different country within the previous 30 minutes.
	if event.Country != "" {
		cutoff := event.Timestamp.Add(-30 * time.Minute)
		for _, h := range history {
			if h.Timestamp.Before(cutoff) {
				break // history is newest first
			}
			if h.Country != "" && h.Country != event.Country {
				score += 0.5
				break
			}
		}
	}

	return score
}

func (d *AnomalyDetector) frequencyScore(event Event, history []Event) float64 {
	var score float64

	// Burst detection over the trailing five minutes.
	recent := 0
	burstCutoff := event.Timestamp.Add(-5 * time.Minute)
	for _, h := range history {
		if h.Timestamp.Before(burstCutoff) {
			break
		}
		recent++
	}
	if recent > 10 {
		score += 0.3
	}

	// Per-credential access rate against the trailing daily average.
	if event.CredentialID != "" {
		total := 0
		today := 0
		var oldest time.Time
		dayCutoff := event.Timestamp.Add(-24 * time.Hour)
		for _, h := range history {
			if h.CredentialID != event.CredentialID {
				continue
			}
			total++
			oldest = h.Timestamp
			if !h.Timestamp.Before(dayCutoff) {
				today++
			}
		}
		if total > 0 && !oldest.IsZero() {
			spanDays := event.Timestamp.Sub(oldest).Hours() / 24
			if spanDays < 1 {
				spanDays = 1
			}
			dailyAvg := float64(total) / spanDays
			if float64(today) > 3*dailyAvg {
				score += 0.2
			}
		}
	}

	return score
}

func (d *AnomalyDetector) deviceScore(event Event, history []Event) float64 {
	var score float64

	if event.UserAgent != "" {
		known := false
		for _, h := range history {
			if h.UserAgent == event.UserAgent {
				known = true
				break
			}
		}
		if !known {
			score += 0.2
		}
	}

	if event.DeviceFingerprint != "" {
		known := false
		for _, h := range history {
			if h.DeviceFingerprint == event.DeviceFingerprint {
				known = true
				break
			}
		}
		if !known {
			score += 0.3
		}
	}

	return score
}
