package provider

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

const (
	stravaBaseURL        = "https://www.strava.com"
	stravaActivitiesPath = "/api/v3/athlete/activities"
	stravaPageSize       = 100
)

// StravaClient reads athlete activities from the Strava v3 API; Strava only has workouts
type StravaClient struct {
	http   *transport
	logger *zap.Logger
}

// NewStravaClient creates a new StravaClient
func NewStravaClient(opts HTTPOptions, logger *zap.Logger) *StravaClient {
	return &StravaClient{
		http:   newTransport(model.ProviderStrava, stravaBaseURL, opts, logger),
		logger: logger,
	}
}

func (c *StravaClient) Provider() model.Provider { return model.ProviderStrava }

func (c *StravaClient) Supports(category model.Category) bool {
	return category == model.CategoryWorkout
}

// FetchCategory pages with page/per_page until a short page comes back
func (c *StravaClient) FetchCategory(ctx context.Context, accessToken string, category model.Category, start, end time.Time) ([]RawRecord, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}
	if !c.Supports(category) {
		return []RawRecord{}, nil
	}

	from, to := dayBounds(start, end)
	query := url.Values{}
	query.Set("after", strconv.FormatInt(from.Unix()-1, 10))
	query.Set("before", strconv.FormatInt(to.Unix()+1, 10))
	query.Set("per_page", strconv.Itoa(stravaPageSize))

	var records []RawRecord
	for page := 1; ; page++ {
		query.Set("page", strconv.Itoa(page))

		var activities []json.RawMessage
		if err := c.http.getJSON(ctx, accessToken, stravaActivitiesPath, query, &activities); err != nil {
			return nil, withCategory(err, category)
		}
		records = append(records, splitRecords(model.ProviderStrava, category, activities)...)

		if len(activities) < stravaPageSize {
			break
		}
	}

	c.logger.Debug("fetched strava activities", zap.Int("records", len(records)))
	return records, nil
}

type stravaActivity struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	SportType        string   `json:"sport_type"`
	Distance         float64  `json:"distance"`
	MovingTime       int      `json:"moving_time"`
	ElapsedTime      int      `json:"elapsed_time"`
	StartDate        string   `json:"start_date"`
	Calories         *float64 `json:"calories"`
	HasHeartrate     bool     `json:"has_heartrate"`
	AverageHeartrate *float64 `json:"average_heartrate"`
	MaxHeartrate     *float64 `json:"max_heartrate"`
}

// Normalize maps each activity to one workout_duration point (moving time)
func (c *StravaClient) Normalize(userID string, records []RawRecord) ([]model.HealthPoint, error) {
	n := newNormalizer(model.ProviderStrava, userID, len(records))

	for _, rec := range records {
		if rec.Category != model.CategoryWorkout {
			return nil, n.fail(rec, "%w: %q", model.ErrUnknownCategory, rec.Category)
		}

		var a stravaActivity
		if err := n.decode(rec, &a); err != nil {
			return nil, err
		}
		startAt, err := parseTimestamp(a.StartDate)
		if err != nil {
			return nil, n.fail(rec, "invalid start_date %q: %w", a.StartDate, err)
		}

		payload := map[string]any{
			"name":         a.Name,
			"type":         a.Type,
			"distance_m":   a.Distance,
			"elapsed_time": a.ElapsedTime,
		}
		if a.SportType != "" {
			payload["sport_type"] = a.SportType
		}
		if a.Calories != nil {
			payload["calories_kcal"] = *a.Calories
		}
		if a.HasHeartrate && a.AverageHeartrate != nil {
			payload["average_heart_rate"] = *a.AverageHeartrate
		}
		if err := n.add(rec, MetricWorkoutDuration, startAt, float64(a.MovingTime), UnitSeconds, strconv.FormatInt(a.ID, 10), payload); err != nil {
			return nil, err
		}
	}

	return n.result(), nil
}
