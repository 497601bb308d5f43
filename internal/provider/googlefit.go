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
	googleFitBaseURL = "https://www.googleapis.com"

	googleFitSessionsPath  = "/fitness/v1/users/me/sessions"
	googleFitAggregatePath = "/fitness/v1/users/me/dataset:aggregate"
	googleFitHeartRatePath = "/fitness/v1/users/me/dataSources/derived:com.google.heart_rate.bpm:com.google.android.gms:merge_heart_rate_bpm/datasets/"

	// googleFitSleepActivity is the session activityType for sleep
	googleFitSleepActivity = 72
	dayMillis              = int64(24 * time.Hour / time.Millisecond)
)

// GoogleFitClient reads the Google Fit REST API
type GoogleFitClient struct {
	http   *transport
	logger *zap.Logger
}

// NewGoogleFitClient creates a new GoogleFitClient
func NewGoogleFitClient(opts HTTPOptions, logger *zap.Logger) *GoogleFitClient {
	return &GoogleFitClient{
		http:   newTransport(model.ProviderGoogle, googleFitBaseURL, opts, logger),
		logger: logger,
	}
}

func (c *GoogleFitClient) Provider() model.Provider { return model.ProviderGoogle }

func (c *GoogleFitClient) Supports(category model.Category) bool {
	return category.Valid()
}

type googleFitSession struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	StartTimeMillis int64  `json:"startTimeMillis,string"`
	EndTimeMillis   int64  `json:"endTimeMillis,string"`
	ActivityType    int    `json:"activityType"`
}

type googleFitSessionPage struct {
	Session       []json.RawMessage `json:"session"`
	NextPageToken string            `json:"nextPageToken"`
	HasMoreData   bool              `json:"hasMoreData"`
}

type googleFitDataset struct {
	Point         []json.RawMessage `json:"point"`
	NextPageToken string            `json:"nextPageToken"`
}

type googleFitPoint struct {
	StartTimeNanos int64 `json:"startTimeNanos,string"`
	EndTimeNanos   int64 `json:"endTimeNanos,string"`
	Value          []struct {
		IntVal *int64   `json:"intVal"`
		FpVal  *float64 `json:"fpVal"`
	} `json:"value"`
}

type googleFitAggregateRequest struct {
	AggregateBy  []googleFitAggregateBy `json:"aggregateBy"`
	BucketByTime struct {
		DurationMillis int64 `json:"durationMillis"`
	} `json:"bucketByTime"`
	StartTimeMillis int64 `json:"startTimeMillis"`
	EndTimeMillis   int64 `json:"endTimeMillis"`
}

type googleFitAggregateBy struct {
	DataTypeName string `json:"dataTypeName"`
}

type googleFitAggregateResponse struct {
	Bucket []json.RawMessage `json:"bucket"`
}

type googleFitBucket struct {
	StartTimeMillis int64 `json:"startTimeMillis,string"`
	EndTimeMillis   int64 `json:"endTimeMillis,string"`
	Dataset         []struct {
		Point []googleFitPoint `json:"point"`
	} `json:"dataset"`
}

// FetchCategory uses sessions for sleep and workouts, a raw dataset for heart
// rate and a daily aggregate for steps
func (c *GoogleFitClient) FetchCategory(ctx context.Context, accessToken string, category model.Category, start, end time.Time) ([]RawRecord, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}
	from, to := dayBounds(start, end)

	var (
		records []RawRecord
		err     error
	)
	switch category {
	case model.CategorySleep, model.CategoryWorkout:
		records, err = c.fetchSessions(ctx, accessToken, category, from, to)
	case model.CategoryHeartRate:
		records, err = c.fetchHeartRate(ctx, accessToken, from, to)
	case model.CategoryActivity:
		records, err = c.fetchSteps(ctx, accessToken, from, to)
	default:
		return []RawRecord{}, nil
	}
	if err != nil {
		return nil, withCategory(err, category)
	}

	c.logger.Debug("fetched google fit records",
		zap.String("category", string(category)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func (c *GoogleFitClient) fetchSessions(ctx context.Context, accessToken string, category model.Category, from, to time.Time) ([]RawRecord, error) {
	query := url.Values{}
	query.Set("startTime", from.Format(time.RFC3339))
	query.Set("endTime", to.Format(time.RFC3339))
	if category == model.CategorySleep {
		query.Set("activityType", strconv.Itoa(googleFitSleepActivity))
	}

	var records []RawRecord
	for {
		var page googleFitSessionPage
		if err := c.http.getJSON(ctx, accessToken, googleFitSessionsPath, query, &page); err != nil {
			return nil, err
		}

		for _, raw := range page.Session {
			var s googleFitSession
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, &NormalizationError{Provider: model.ProviderGoogle, Category: category, Payload: raw, Err: err}
			}
			isSleep := s.ActivityType == googleFitSleepActivity
			if isSleep != (category == model.CategorySleep) {
				continue
			}
			records = append(records, RawRecord{Provider: model.ProviderGoogle, Category: category, Payload: raw})
		}

		if !page.HasMoreData || page.NextPageToken == "" {
			break
		}
		query.Set("pageToken", page.NextPageToken)
	}
	return records, nil
}

func (c *GoogleFitClient) fetchHeartRate(ctx context.Context, accessToken string, from, to time.Time) ([]RawRecord, error) {
	path := fmt.Sprintf("%s%d-%d", googleFitHeartRatePath, from.UnixNano(), to.UnixNano())
	query := url.Values{}

	var records []RawRecord
	for {
		var page googleFitDataset
		if err := c.http.getJSON(ctx, accessToken, path, query, &page); err != nil {
			return nil, err
		}
		records = append(records, splitRecords(model.ProviderGoogle, model.CategoryHeartRate, page.Point)...)

		if page.NextPageToken == "" {
			break
		}
		query.Set("pageToken", page.NextPageToken)
	}
	return records, nil
}

func (c *GoogleFitClient) fetchSteps(ctx context.Context, accessToken string, from, to time.Time) ([]RawRecord, error) {
	req := googleFitAggregateRequest{
		AggregateBy:     []googleFitAggregateBy{{DataTypeName: "com.google.step_count.delta"}},
		StartTimeMillis: from.UnixMilli(),
		EndTimeMillis:   to.UnixMilli() + 1000,
	}
	req.BucketByTime.DurationMillis = dayMillis

	var resp googleFitAggregateResponse
	if err := c.http.postJSON(ctx, accessToken, googleFitAggregatePath, req, &resp); err != nil {
		return nil, err
	}
	return splitRecords(model.ProviderGoogle, model.CategoryActivity, resp.Bucket), nil
}

// Normalize maps Google Fit sessions, points and buckets onto canonical metrics
func (c *GoogleFitClient) Normalize(userID string, records []RawRecord) ([]model.HealthPoint, error) {
	n := newNormalizer(model.ProviderGoogle, userID, len(records))

	for _, rec := range records {
		var err error
		switch rec.Category {
		case model.CategorySleep, model.CategoryWorkout:
			err = c.normalizeSession(n, rec)
		case model.CategoryHeartRate:
			err = c.normalizeHeartRate(n, rec)
		case model.CategoryActivity:
			err = c.normalizeSteps(n, rec)
		default:
			err = n.fail(rec, "%w: %q", model.ErrUnknownCategory, rec.Category)
		}
		if err != nil {
			return nil, err
		}
	}

	return n.result(), nil
}

func (c *GoogleFitClient) normalizeSession(n *normalizer, rec RawRecord) error {
	var s googleFitSession
	if err := n.decode(rec, &s); err != nil {
		return err
	}
	if s.EndTimeMillis < s.StartTimeMillis {
		return n.fail(rec, "session %q ends before it starts", s.ID)
	}

	startAt := time.UnixMilli(s.StartTimeMillis)
	duration := float64(s.EndTimeMillis-s.StartTimeMillis) / 1000

	metric := MetricWorkoutDuration
	if rec.Category == model.CategorySleep {
		metric = MetricSleepDuration
	}
	payload := map[string]any{"name": s.Name, "activity_type": s.ActivityType}
	return n.add(rec, metric, startAt, duration, UnitSeconds, s.ID, payload)
}

func (c *GoogleFitClient) normalizeHeartRate(n *normalizer, rec RawRecord) error {
	var p googleFitPoint
	if err := n.decode(rec, &p); err != nil {
		return err
	}
	if len(p.Value) == 0 || p.Value[0].FpVal == nil {
		return n.fail(rec, "heart rate point without fpVal")
	}
	return n.add(rec, MetricHeartRate, time.Unix(0, p.StartTimeNanos), *p.Value[0].FpVal, UnitBPM, "", nil)
}

func (c *GoogleFitClient) normalizeSteps(n *normalizer, rec RawRecord) error {
	var b googleFitBucket
	if err := n.decode(rec, &b); err != nil {
		return err
	}

	var steps int64
	for _, ds := range b.Dataset {
		for _, p := range ds.Point {
			for _, v := range p.Value {
				if v.IntVal != nil {
					steps += *v.IntVal
				}
			}
		}
	}
	// Buckets with no data carry no information about the day
	if steps == 0 {
		return nil
	}
	return n.add(rec, MetricSteps, time.UnixMilli(b.StartTimeMillis), float64(steps), UnitCount, "", nil)
}
