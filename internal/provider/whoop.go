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
	whoopBaseURL  = "https://api.prod.whoop.com"
	whoopPageSize = 25
	whoopScored   = "SCORED"
)

var whoopEndpoints = map[model.Category]string{
	model.CategorySleep:     "/developer/v1/activity/sleep",
	model.CategoryHeartRate: "/developer/v1/recovery",
	model.CategoryActivity:  "/developer/v1/cycle",
	model.CategoryWorkout:   "/developer/v1/activity/workout",
}

// WhoopClient reads the WHOOP developer API
type WhoopClient struct {
	http   *transport
	logger *zap.Logger
}

// NewWhoopClient creates a new WhoopClient
func NewWhoopClient(opts HTTPOptions, logger *zap.Logger) *WhoopClient {
	return &WhoopClient{
		http:   newTransport(model.ProviderWhoop, whoopBaseURL, opts, logger),
		logger: logger,
	}
}

func (c *WhoopClient) Provider() model.Provider { return model.ProviderWhoop }

func (c *WhoopClient) Supports(category model.Category) bool {
	_, ok := whoopEndpoints[category]
	return ok
}

type whoopPage struct {
	Records   []json.RawMessage `json:"records"`
	NextToken string            `json:"next_token"`
}

// FetchCategory pages through a WHOOP collection with start/end RFC 3339 bounds
func (c *WhoopClient) FetchCategory(ctx context.Context, accessToken string, category model.Category, start, end time.Time) ([]RawRecord, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}
	path, ok := whoopEndpoints[category]
	if !ok {
		return []RawRecord{}, nil
	}

	from, to := dayBounds(start, end)
	query := url.Values{}
	query.Set("start", from.Format(time.RFC3339))
	query.Set("end", to.Format(time.RFC3339))
	query.Set("limit", strconv.Itoa(whoopPageSize))

	var records []RawRecord
	for {
		var page whoopPage
		if err := c.http.getJSON(ctx, accessToken, path, query, &page); err != nil {
			return nil, withCategory(err, category)
		}
		records = append(records, splitRecords(model.ProviderWhoop, category, page.Records)...)

		if page.NextToken == "" {
			break
		}
		query.Set("nextToken", page.NextToken)
	}

	c.logger.Debug("fetched whoop records",
		zap.String("category", string(category)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

type whoopSleep struct {
	ID         int64  `json:"id"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Nap        bool   `json:"nap"`
	ScoreState string `json:"score_state"`
	Score      *struct {
		StageSummary struct {
			TotalInBedTimeMilli int64 `json:"total_in_bed_time_milli"`
			TotalAwakeTimeMilli int64 `json:"total_awake_time_milli"`
		} `json:"stage_summary"`
		SleepPerformancePercentage *float64 `json:"sleep_performance_percentage"`
		SleepEfficiencyPercentage  *float64 `json:"sleep_efficiency_percentage"`
	} `json:"score"`
}

type whoopRecovery struct {
	CycleID    int64  `json:"cycle_id"`
	SleepID    int64  `json:"sleep_id"`
	CreatedAt  string `json:"created_at"`
	ScoreState string `json:"score_state"`
	Score      *struct {
		RecoveryScore    float64 `json:"recovery_score"`
		RestingHeartRate float64 `json:"resting_heart_rate"`
		HRVRMSSDMilli    float64 `json:"hrv_rmssd_milli"`
	} `json:"score"`
}

type whoopCycle struct {
	ID         int64  `json:"id"`
	Start      string `json:"start"`
	ScoreState string `json:"score_state"`
	Score      *struct {
		Strain           float64 `json:"strain"`
		Kilojoule        float64 `json:"kilojoule"`
		AverageHeartRate int     `json:"average_heart_rate"`
		MaxHeartRate     int     `json:"max_heart_rate"`
	} `json:"score"`
}

type whoopWorkout struct {
	ID         int64  `json:"id"`
	Start      string `json:"start"`
	End        string `json:"end"`
	SportID    int    `json:"sport_id"`
	ScoreState string `json:"score_state"`
	Score      *struct {
		Strain           float64  `json:"strain"`
		Kilojoule        float64  `json:"kilojoule"`
		AverageHeartRate int      `json:"average_heart_rate"`
		MaxHeartRate     int      `json:"max_heart_rate"`
		DistanceMeter    *float64 `json:"distance_meter"`
	} `json:"score"`
}

// Normalize maps WHOOP records onto canonical metrics; unscored records are skipped
func (c *WhoopClient) Normalize(userID string, records []RawRecord) ([]model.HealthPoint, error) {
	n := newNormalizer(model.ProviderWhoop, userID, len(records))

	for _, rec := range records {
		var err error
		switch rec.Category {
		case model.CategorySleep:
			err = c.normalizeSleep(n, rec)
		case model.CategoryHeartRate:
			err = c.normalizeRecovery(n, rec)
		case model.CategoryActivity:
			err = c.normalizeCycle(n, rec)
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

func (c *WhoopClient) normalizeSleep(n *normalizer, rec RawRecord) error {
	var s whoopSleep
	if err := n.decode(rec, &s); err != nil {
		return err
	}
	if s.ScoreState != whoopScored || s.Score == nil {
		return nil
	}
	startAt, err := parseTimestamp(s.Start)
	if err != nil {
		return n.fail(rec, "invalid start %q: %w", s.Start, err)
	}

	asleepMilli := s.Score.StageSummary.TotalInBedTimeMilli - s.Score.StageSummary.TotalAwakeTimeMilli
	payload := map[string]any{"nap": s.Nap}
	if s.Score.SleepPerformancePercentage != nil {
		payload["performance_pct"] = *s.Score.SleepPerformancePercentage
	}
	if s.Score.SleepEfficiencyPercentage != nil {
		payload["efficiency_pct"] = *s.Score.SleepEfficiencyPercentage
	}
	return n.add(rec, MetricSleepDuration, startAt, float64(asleepMilli)/1000, UnitSeconds, strconv.FormatInt(s.ID, 10), payload)
}

func (c *WhoopClient) normalizeRecovery(n *normalizer, rec RawRecord) error {
	var r whoopRecovery
	if err := n.decode(rec, &r); err != nil {
		return err
	}
	if r.ScoreState != whoopScored || r.Score == nil {
		return nil
	}
	ts, err := parseTimestamp(r.CreatedAt)
	if err != nil {
		return n.fail(rec, "invalid created_at %q: %w", r.CreatedAt, err)
	}

	sourceID := strconv.FormatInt(r.CycleID, 10)
	payload := map[string]any{"recovery_score": r.Score.RecoveryScore}
	if err := n.add(rec, MetricRestingHeartRate, ts, r.Score.RestingHeartRate, UnitBPM, sourceID, payload); err != nil {
		return err
	}
	return n.add(rec, MetricHRVRMSSD, ts, r.Score.HRVRMSSDMilli, UnitMilliseconds, sourceID, nil)
}

func (c *WhoopClient) normalizeCycle(n *normalizer, rec RawRecord) error {
	var cy whoopCycle
	if err := n.decode(rec, &cy); err != nil {
		return err
	}
	if cy.ScoreState != whoopScored || cy.Score == nil {
		return nil
	}
	ts, err := parseTimestamp(cy.Start)
	if err != nil {
		return n.fail(rec, "invalid start %q: %w", cy.Start, err)
	}

	sourceID := strconv.FormatInt(cy.ID, 10)
	payload := map[string]any{
		"average_heart_rate": cy.Score.AverageHeartRate,
		"max_heart_rate":     cy.Score.MaxHeartRate,
	}
	if err := n.add(rec, MetricStrain, ts, cy.Score.Strain, UnitScore, sourceID, payload); err != nil {
		return err
	}
	return n.add(rec, MetricEnergyBurned, ts, cy.Score.Kilojoule, UnitKilojoules, sourceID, nil)
}

func (c *WhoopClient) normalizeWorkout(n *normalizer, rec RawRecord) error {
	var w whoopWorkout
	if err := n.decode(rec, &w); err != nil {
		return err
	}
	startAt, err := parseTimestamp(w.Start)
	if err != nil {
		return n.fail(rec, "invalid start %q: %w", w.Start, err)
	}
	endAt, err := parseTimestamp(w.End)
	if err != nil {
		return n.fail(rec, "invalid end %q: %w", w.End, err)
	}

	payload := map[string]any{"sport_id": w.SportID}
	if w.ScoreState == whoopScored && w.Score != nil {
		payload["strain"] = w.Score.Strain
		payload["kilojoule"] = w.Score.Kilojoule
		payload["average_heart_rate"] = w.Score.AverageHeartRate
		if w.Score.DistanceMeter != nil {
			payload["distance_m"] = *w.Score.DistanceMeter
		}
	}
	return n.add(rec, MetricWorkoutDuration, startAt, endAt.Sub(startAt).Seconds(), UnitSeconds, strconv.FormatInt(w.ID, 10), payload)
}
