package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

const (
	fitbitBaseURL          = "https://api.fitbit.com"
	fitbitActivityListPath = "/1/user/-/activities/list.json"
	fitbitPageSize         = 100
	// fitbitLocalTime is how Fitbit renders timestamps without a zone
	fitbitLocalTime = "2006-01-02T15:04:05.000"
)

// FitbitClient reads the Fitbit Web API
type FitbitClient struct {
	http   *transport
	logger *zap.Logger
}

// NewFitbitClient creates a new FitbitClient
func NewFitbitClient(opts HTTPOptions, logger *zap.Logger) *FitbitClient {
	return &FitbitClient{
		http:   newTransport(model.ProviderFitbit, fitbitBaseURL, opts, logger),
		logger: logger,
	}
}

func (c *FitbitClient) Provider() model.Provider { return model.ProviderFitbit }

func (c *FitbitClient) Supports(category model.Category) bool {
	return category.Valid()
}

type fitbitStepsSeries struct {
	Steps []json.RawMessage `json:"activities-steps"`
}

type fitbitHeartSeries struct {
	Heart []json.RawMessage `json:"activities-heart"`
}

type fitbitSleepLog struct {
	Sleep []json.RawMessage `json:"sleep"`
}

type fitbitActivityList struct {
	Activities []json.RawMessage `json:"activities"`
	Pagination struct {
		Next string `json:"next"`
	} `json:"pagination"`
}

// FetchCategory reads the date-range time series endpoints, and for workouts
// follows the activity log list until it passes the end date
func (c *FitbitClient) FetchCategory(ctx context.Context, accessToken string, category model.Category, start, end time.Time) ([]RawRecord, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}
	startDay := start.UTC().Format(time.DateOnly)
	endDay := end.UTC().Format(time.DateOnly)

	var (
		records []RawRecord
		err     error
	)
	switch category {
	case model.CategoryActivity:
		var series fitbitStepsSeries
		err = c.http.getJSON(ctx, accessToken, fmt.Sprintf("/1/user/-/activities/steps/date/%s/%s.json", startDay, endDay), nil, &series)
		records = splitRecords(model.ProviderFitbit, category, series.Steps)
	case model.CategoryHeartRate:
		var series fitbitHeartSeries
		err = c.http.getJSON(ctx, accessToken, fmt.Sprintf("/1/user/-/activities/heart/date/%s/%s.json", startDay, endDay), nil, &series)
		records = splitRecords(model.ProviderFitbit, category, series.Heart)
	case model.CategorySleep:
		var log fitbitSleepLog
		err = c.http.getJSON(ctx, accessToken, fmt.Sprintf("/1.2/user/-/sleep/date/%s/%s.json", startDay, endDay), nil, &log)
		records = splitRecords(model.ProviderFitbit, category, log.Sleep)
	case model.CategoryWorkout:
		records, err = c.fetchActivityLog(ctx, accessToken, start, end)
	default:
		return []RawRecord{}, nil
	}
	if err != nil {
		return nil, withCategory(err, category)
	}

	c.logger.Debug("fetched fitbit records",
		zap.String("category", string(category)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func (c *FitbitClient) fetchActivityLog(ctx context.Context, accessToken string, start, end time.Time) ([]RawRecord, error) {
	_, to := dayBounds(start, end)

	// afterDate is exclusive
	query := url.Values{}
	query.Set("afterDate", start.UTC().AddDate(0, 0, -1).Format(time.DateOnly))
	query.Set("sort", "asc")
	query.Set("offset", "0")
	query.Set("limit", strconv.Itoa(fitbitPageSize))
	path := fitbitActivityListPath

	var records []RawRecord
	for {
		var page fitbitActivityList
		if err := c.http.getJSON(ctx, accessToken, path, query, &page); err != nil {
			return nil, err
		}

		pastEnd := false
		for _, raw := range page.Activities {
			var head struct {
				StartTime string `json:"startTime"`
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				return nil, &NormalizationError{Provider: model.ProviderFitbit, Category: model.CategoryWorkout, Payload: raw, Err: err}
			}
			startedAt, err := parseFitbitTime(head.StartTime)
			if err != nil {
				return nil, &NormalizationError{Provider: model.ProviderFitbit, Category: model.CategoryWorkout, Payload: raw, Err: err}
			}
			if startedAt.After(to) {
				pastEnd = true
				break
			}
			records = append(records, RawRecord{Provider: model.ProviderFitbit, Category: model.CategoryWorkout, Payload: raw})
		}

		if pastEnd || len(page.Activities) == 0 || page.Pagination.Next == "" {
			break
		}

		next, err := url.Parse(page.Pagination.Next)
		if err != nil {
			return nil, &FetchError{Provider: model.ProviderFitbit, Message: "invalid pagination link", Err: err}
		}
		path = next.Path
		query = next.Query()
	}
	return records, nil
}

type fitbitStepsDay struct {
	DateTime string `json:"dateTime"`
	Value    string `json:"value"`
}

type fitbitHeartDay struct {
	DateTime string `json:"dateTime"`
	Value    struct {
		RestingHeartRate *float64 `json:"restingHeartRate"`
		HeartRateZones   []struct {
			Name    string  `json:"name"`
			Minutes float64 `json:"minutes"`
		} `json:"heartRateZones"`
	} `json:"value"`
}

type fitbitSleep struct {
	LogID         int64  `json:"logId"`
	DateOfSleep   string `json:"dateOfSleep"`
	StartTime     string `json:"startTime"`
	MinutesAsleep int    `json:"minutesAsleep"`
	Efficiency    int    `json:"efficiency"`
	IsMainSleep   bool   `json:"isMainSleep"`
}

type fitbitActivity struct {
	LogID        int64    `json:"logId"`
	ActivityName string   `json:"activityName"`
	StartTime    string   `json:"startTime"`
	Duration     int64    `json:"duration"`
	Calories     float64  `json:"calories"`
	Steps        *int     `json:"steps"`
	Distance     *float64 `json:"distance"`
}

// Normalize maps Fitbit series and logs onto canonical metrics
func (c *FitbitClient) Normalize(userID string, records []RawRecord) ([]model.HealthPoint, error) {
	n := newNormalizer(model.ProviderFitbit, userID, len(records))

	for _, rec := range records {
		var err error
		switch rec.Category {
		case model.CategoryActivity:
			err = c.normalizeSteps(n, rec)
		case model.CategoryHeartRate:
			err = c.normalizeHeart(n, rec)
		case model.CategorySleep:
			err = c.normalizeSleep(n, rec)
		case model.CategoryWorkout:
			err = c.normalizeActivity(n, rec)
		default:
			err = n.fail(rec, "%w: %q", model.ErrUnknownCategory, rec.Category)
		}
		if err != nil {
			return nil, err
		}
	}

	return n.result(), nil
}

func (c *FitbitClient) normalizeSteps(n *normalizer, rec RawRecord) error {
	var d fitbitStepsDay
	if err := n.decode(rec, &d); err != nil {
		return err
	}
	day, err := parseDay(d.DateTime)
	if err != nil {
		return n.fail(rec, "invalid dateTime %q: %w", d.DateTime, err)
	}
	steps, err := strconv.ParseFloat(d.Value, 64)
	if err != nil {
		return n.fail(rec, "invalid step value %q: %w", d.Value, err)
	}
	return n.add(rec, MetricSteps, day, steps, UnitCount, "", nil)
}

func (c *FitbitClient) normalizeHeart(n *normalizer, rec RawRecord) error {
	var d fitbitHeartDay
	if err := n.decode(rec, &d); err != nil {
		return err
	}
	day, err := parseDay(d.DateTime)
	if err != nil {
		return n.fail(rec, "invalid dateTime %q: %w", d.DateTime, err)
	}
	// No resting rate is computed for days the device was not worn
	if d.Value.RestingHeartRate == nil {
		return nil
	}

	zones := make(map[string]any, len(d.Value.HeartRateZones))
	for _, z := range d.Value.HeartRateZones {
		zones[z.Name] = z.Minutes
	}
	var payload map[string]any
	if len(zones) > 0 {
		payload = map[string]any{"zone_minutes": zones}
	}
	return n.add(rec, MetricRestingHeartRate, day, *d.Value.RestingHeartRate, UnitBPM, "", payload)
}

func (c *FitbitClient) normalizeSleep(n *normalizer, rec RawRecord) error {
	var s fitbitSleep
	if err := n.decode(rec, &s); err != nil {
		return err
	}
	startAt, err := parseFitbitTime(s.StartTime)
	if err != nil {
		return n.fail(rec, "invalid startTime %q: %w", s.StartTime, err)
	}
	payload := map[string]any{
		"efficiency":    s.Efficiency,
		"is_main_sleep": s.IsMainSleep,
		"date_of_sleep": s.DateOfSleep,
	}
	return n.add(rec, MetricSleepDuration, startAt, float64(s.MinutesAsleep*60), UnitSeconds, strconv.FormatInt(s.LogID, 10), payload)
}

func (c *FitbitClient) normalizeActivity(n *normalizer, rec RawRecord) error {
	var a fitbitActivity
	if err := n.decode(rec, &a); err != nil {
		return err
	}
	startAt, err := parseFitbitTime(a.StartTime)
	if err != nil {
		return n.fail(rec, "invalid startTime %q: %w", a.StartTime, err)
	}

	payload := map[string]any{"name": a.ActivityName, "calories_kcal": a.Calories}
	if a.Steps != nil {
		payload["steps"] = *a.Steps
	}
	if a.Distance != nil {
		payload["distance"] = *a.Distance
	}
	return n.add(rec, MetricWorkoutDuration, startAt, float64(a.Duration)/1000, UnitSeconds, strconv.FormatInt(a.LogID, 10), payload)
}

// parseFitbitTime handles both offset-qualified and zone-less Fitbit timestamps
func parseFitbitTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04:05.000Z07:00", s); err == nil {
		return t, nil
	}
	return time.Parse(fitbitLocalTime, s)
}
