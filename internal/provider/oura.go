package provider

import (
	"context"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

const ouraBaseURL = "https://api.ouraring.com"

var ouraEndpoints = map[model.Category]string{
	model.CategorySleep:     "/v2/usercollection/daily_sleep",
	model.CategoryHeartRate: "/v2/usercollection/heartrate",
	model.CategoryActivity:  "/v2/usercollection/daily_activity",
	model.CategoryWorkout:   "/v2/usercollection/workout",
}

// OuraClient reads the Oura v2 usercollection API
type OuraClient struct {
	http   *transport
	logger *zap.Logger
}

// NewOuraClient creates a new OuraClient
func NewOuraClient(opts HTTPOptions, logger *zap.Logger) *OuraClient {
	return &OuraClient{
		http:   newTransport(model.ProviderOura, ouraBaseURL, opts, logger),
		logger: logger,
	}
}

func (c *OuraClient) Provider() model.Provider { return model.ProviderOura }

func (c *OuraClient) Supports(category model.Category) bool {
	_, ok := ouraEndpoints[category]
	return ok
}

type ouraPage struct {
	Data      []json.RawMessage `json:"data"`
	NextToken *string           `json:"next_token"`
}

// FetchCategory pages through one usercollection endpoint
func (c *OuraClient) FetchCategory(ctx context.Context, accessToken string, category model.Category, start, end time.Time) ([]RawRecord, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}
	path, ok := ouraEndpoints[category]
	if !ok {
		return []RawRecord{}, nil
	}

	query := url.Values{}
	if category == model.CategoryHeartRate {
		from, to := dayBounds(start, end)
		query.Set("start_datetime", from.Format(time.RFC3339))
		query.Set("end_datetime", to.Format(time.RFC3339))
	} else {
		query.Set("start_date", start.UTC().Format(time.DateOnly))
		query.Set("end_date", end.UTC().Format(time.DateOnly))
	}

	var records []RawRecord
	for {
		var page ouraPage
		if err := c.http.getJSON(ctx, accessToken, path, query, &page); err != nil {
			return nil, withCategory(err, category)
		}
		records = append(records, splitRecords(model.ProviderOura, category, page.Data)...)

		if page.NextToken == nil || *page.NextToken == "" {
			break
		}
		query.Set("next_token", *page.NextToken)
	}

	c.logger.Debug("fetched oura records",
		zap.String("category", string(category)),
		zap.Int("records", len(records)),
	)

	return records, nil
}

type ouraDailySleep struct {
	ID    string `json:"id"`
	Day   string `json:"day"`
	Score *int   `json:"score"`
}

type ouraHeartRate struct {
	BPM       int    `json:"bpm"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

type ouraDailyActivity struct {
	ID                        string  `json:"id"`
	Day                       string  `json:"day"`
	Steps                     int     `json:"steps"`
	ActiveCalories            int     `json:"active_calories"`
	EquivalentWalkingDistance int     `json:"equivalent_walking_distance"`
	Score                     *int    `json:"score"`
	AverageMetMinutes         float64 `json:"average_met_minutes"`
}

type ouraWorkout struct {
	ID            string   `json:"id"`
	Activity      string   `json:"activity"`
	Calories      *float64 `json:"calories"`
	Distance      *float64 `json:"distance"`
	Intensity     string   `json:"intensity"`
	StartDatetime string   `json:"start_datetime"`
	EndDatetime   string   `json:"end_datetime"`
}

// Normalize maps Oura records onto canonical metrics
func (c *OuraClient) Normalize(userID string, records []RawRecord) ([]model.HealthPoint, error) {
	n := newNormalizer(model.ProviderOura, userID, len(records))

	for _, rec := range records {
		var err error
		switch rec.Category {
		case model.CategorySleep:
			err = c.normalizeSleep(n, rec)
		case model.CategoryHeartRate:
			err = c.normalizeHeartRate(n, rec)
		case model.CategoryActivity:
			err = c.normalizeActivity(n, rec)
		case model.CategoryWorkout:
			err = c.normalizeWorkout(n, rec)
		default:
			err = n.fail(rec, "%w: %q", model.ErrUnknownCategory, rec.Category)
		}
		if err != nil {
			return nil, err
		}
	}

	return n.result(), nil
}

func (c *OuraClient) normalizeSleep(n *normalizer, rec RawRecord) error {
	var s ouraDailySleep
	if err := n.decode(rec, &s); err != nil {
		return err
	}
	day, err := parseDay(s.Day)
	if err != nil {
		return n.fail(rec, "invalid day %q: %w", s.Day, err)
	}
	// Days without a computed score are still in progress
	if s.Score == nil {
		return nil
	}
	return n.add(rec, MetricSleepScore, day, float64(*s.Score), UnitScore, s.ID, nil)
}

func (c *OuraClient) normalizeHeartRate(n *normalizer, rec RawRecord) error {
	var hr ouraHeartRate
	if err := n.decode(rec, &hr); err != nil {
		return err
	}
	ts, err := parseTimestamp(hr.Timestamp)
	if err != nil {
		return n.fail(rec, "invalid timestamp %q: %w", hr.Timestamp, err)
	}
	return n.add(rec, MetricHeartRate, ts, float64(hr.BPM), UnitBPM, "", map[string]any{"source": hr.Source})
}

func (c *OuraClient) normalizeActivity(n *normalizer, rec RawRecord) error {
	var a ouraDailyActivity
	if err := n.decode(rec, &a); err != nil {
		return err
	}
	day, err := parseDay(a.Day)
	if err != nil {
		return n.fail(rec, "invalid day %q: %w", a.Day, err)
	}

	payload := map[string]any{"equivalent_walking_distance_m": a.EquivalentWalkingDistance}
	if a.Score != nil {
		payload["score"] = *a.Score
	}
	if err := n.add(rec, MetricSteps, day, float64(a.Steps), UnitCount, a.ID, payload); err != nil {
		return err
	}
	return n.add(rec, MetricActiveCalories, day, float64(a.ActiveCalories), UnitKcal, a.ID, nil)
}

func (c *OuraClient) normalizeWorkout(n *normalizer, rec RawRecord) error {
	var w ouraWorkout
	if err := n.decode(rec, &w); err != nil {
		return err
	}
	startAt, err := parseTimestamp(w.StartDatetime)
	if err != nil {
		return n.fail(rec, "invalid start_datetime %q: %w", w.StartDatetime, err)
	}
	endAt, err := parseTimestamp(w.EndDatetime)
	if err != nil {
		return n.fail(rec, "invalid end_datetime %q: %w", w.EndDatetime, err)
	}

	payload := map[string]any{"activity": w.Activity, "intensity": w.Intensity}
	if w.Calories != nil {
		payload["calories_kcal"] = *w.Calories
	}
	if w.Distance != nil {
		payload["distance_m"] = *w.Distance
	}
	return n.add(rec, MetricWorkoutDuration, startAt, endAt.Sub(startAt).Seconds(), UnitSeconds, w.ID, payload)
}
