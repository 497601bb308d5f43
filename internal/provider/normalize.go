package provider

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
)

// Canonical metric names shared across providers
const (
	MetricSleepDuration    = "sleep_duration"
	MetricSleepScore       = "sleep_score"
	MetricHeartRate        = "heart_rate"
	MetricRestingHeartRate = "resting_heart_rate"
	MetricHRVRMSSD         = "hrv_rmssd"
	MetricHRVSDNN          = "hrv_sdnn"
	MetricSteps            = "steps"
	MetricActiveCalories   = "active_calories"
	MetricStrain           = "strain"
	MetricEnergyBurned     = "energy_burned"
	MetricWorkoutDuration  = "workout_duration"
)

const (
	UnitSeconds      = "s"
	UnitMilliseconds = "ms"
	UnitBPM          = "bpm"
	UnitCount        = "count"
	UnitKcal         = "kcal"
	UnitKilojoules   = "kJ"
	UnitScore        = "score"
)

// normalizer accumulates points for one batch of raw records
type normalizer struct {
	provider model.Provider
	userID   string
	points   []model.HealthPoint
}

func newNormalizer(p model.Provider, userID string, capacity int) *normalizer {
	return &normalizer{provider: p, userID: userID, points: make([]model.HealthPoint, 0, capacity)}
}

// decode unmarshals a record payload and reports shape mismatches as NormalizationError
func (n *normalizer) decode(rec RawRecord, v any) error {
	if rec.Provider != "" && rec.Provider != n.provider {
		return &NormalizationError{
			Provider: n.provider,
			Category: rec.Category,
			Payload:  rec.Payload,
			Err:      fmt.Errorf("record belongs to provider %q", rec.Provider),
		}
	}
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return &NormalizationError{Provider: n.provider, Category: rec.Category, Payload: rec.Payload, Err: err}
	}
	return nil
}

// fail builds a NormalizationError for a record whose fields do not make sense
func (n *normalizer) fail(rec RawRecord, format string, args ...any) error {
	return &NormalizationError{
		Provider: n.provider,
		Category: rec.Category,
		Payload:  rec.Payload,
		Err:      fmt.Errorf(format, args...),
	}
}

// add appends a point after checking its invariants
func (n *normalizer) add(rec RawRecord, metric string, ts time.Time, value float64, unit, sourceID string, payload map[string]any) error {
	point := model.HealthPoint{
		UserID:         n.userID,
		Provider:       n.provider,
		Category:       rec.Category,
		Metric:         metric,
		Timestamp:      ts.UTC(),
		Value:          value,
		Unit:           unit,
		SourceRecordID: sourceID,
		Payload:        payload,
	}
	if err := point.Validate(); err != nil {
		return &NormalizationError{Provider: n.provider, Category: rec.Category, Payload: rec.Payload, Err: err}
	}
	n.points = append(n.points, point)
	return nil
}

func (n *normalizer) result() []model.HealthPoint {
	return n.points
}

// splitRecords wraps each element of a provider list response as a RawRecord
func splitRecords(p model.Provider, category model.Category, items []json.RawMessage) []RawRecord {
	records := make([]RawRecord, 0, len(items))
	for _, item := range items {
		records = append(records, RawRecord{Provider: p, Category: category, Payload: item})
	}
	return records
}

// parseDay parses a YYYY-MM-DD day as midnight UTC
func parseDay(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds
func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
