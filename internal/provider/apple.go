package provider

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// appleTime is the timestamp layout used in Apple Health export.xml
const appleTime = "2006-01-02 15:04:05 -0700"

// appleParseTTL bounds how long a parsed export is kept for the remaining categories of a sync
const appleParseTTL = 10 * time.Minute

// appleNonSleepStages are SleepAnalysis values that do not count as time asleep
var appleNonSleepStages = map[string]bool{
	"HKCategoryValueSleepAnalysisInBed": true,
	"HKCategoryValueSleepAnalysisAwake": true,
}

// appleCumulativeMetrics are summed when one source reports several samples at the same start time
var appleCumulativeMetrics = map[string]bool{
	MetricSteps:          true,
	MetricActiveCalories: true,
	MetricSleepDuration:  true,
}

// appleRecordTypes maps HealthKit record types to a category and canonical metric
var appleRecordTypes = map[string]struct {
	category model.Category
	metric   string
	unit     string
}{
	"HKQuantityTypeIdentifierStepCount":                {model.CategoryActivity, MetricSteps, UnitCount},
	"HKQuantityTypeIdentifierActiveEnergyBurned":       {model.CategoryActivity, MetricActiveCalories, UnitKcal},
	"HKQuantityTypeIdentifierHeartRate":                {model.CategoryHeartRate, MetricHeartRate, UnitBPM},
	"HKQuantityTypeIdentifierRestingHeartRate":         {model.CategoryHeartRate, MetricRestingHeartRate, UnitBPM},
	"HKQuantityTypeIdentifierHeartRateVariabilitySDNN": {model.CategoryHeartRate, MetricHRVSDNN, UnitMilliseconds},
	"HKCategoryTypeIdentifierSleepAnalysis":            {model.CategorySleep, MetricSleepDuration, UnitSeconds},
}

// ExportOpener gives read access to uploaded Apple Health exports
type ExportOpener interface {
	OpenExport(ctx context.Context, blobName string) (io.ReadCloser, error)
}

// AppleClient parses Apple Health export files instead of calling an API.
// The connection's access token is the storage name of the latest export.
// One pass over the export serves every category of a sync.
type AppleClient struct {
	exports ExportOpener
	now     func() time.Time
	logger  *zap.Logger

	mu     sync.Mutex
	parsed map[string]*parsedExport
	group  singleflight.Group
}

// parsedExport holds the in-range elements of one export, by category, until
// every category has been handed out or the entry expires
type parsedExport struct {
	byCategory map[model.Category][]RawRecord
	pending    map[model.Category]bool
	parsedAt   time.Time
}

// NewAppleClient creates a new AppleClient
func NewAppleClient(exports ExportOpener, logger *zap.Logger) *AppleClient {
	return &AppleClient{
		exports: exports,
		now:     time.Now,
		logger:  logger,
		parsed:  make(map[string]*parsedExport),
	}
}

func (c *AppleClient) Provider() model.Provider { return model.ProviderApple }

func (c *AppleClient) Supports(category model.Category) bool {
	return category.Valid()
}

// FetchCategory returns the export elements of the category whose start date
// falls in range. The export is stream-parsed once per blob and range.
func (c *AppleClient) FetchCategory(ctx context.Context, accessToken string, category model.Category, start, end time.Time) ([]RawRecord, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}
	if !c.Supports(category) {
		return []RawRecord{}, nil
	}
	if accessToken == "" {
		return nil, &FetchError{Provider: model.ProviderApple, Message: "no health export uploaded"}
	}

	from, to := dayBounds(start, end)
	key := fmt.Sprintf("%s|%d|%d", accessToken, from.UnixNano(), to.UnixNano())

	entry, err := c.load(ctx, key, accessToken, from, to)
	if err != nil {
		return nil, withCategory(err, category)
	}

	records := c.take(key, entry, category)
	c.logger.Debug("read apple health export category",
		zap.String("category", string(category)),
		zap.String("blob_name", accessToken),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// load returns the cached parse for key, parsing the export when there is no live entry
func (c *AppleClient) load(ctx context.Context, key, blobName string, from, to time.Time) (*parsedExport, error) {
	c.mu.Lock()
	now := c.now()
	for k, entry := range c.parsed {
		if now.Sub(entry.parsedAt) > appleParseTTL {
			delete(c.parsed, k)
		}
	}
	entry, cached := c.parsed[key]
	c.mu.Unlock()
	if cached {
		return entry, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		entry, cached := c.parsed[key]
		c.mu.Unlock()
		if cached {
			return entry, nil
		}

		rc, err := c.exports.OpenExport(ctx, blobName)
		if err != nil {
			return nil, &FetchError{Provider: model.ProviderApple, Message: "failed to open health export", Err: err}
		}
		defer rc.Close()

		byCategory, err := c.scan(ctx, rc, from, to)
		if err != nil {
			return nil, err
		}

		pending := make(map[model.Category]bool)
		for _, category := range model.AllCategories() {
			if c.Supports(category) {
				pending[category] = true
			}
		}

		entry = &parsedExport{byCategory: byCategory, pending: pending, parsedAt: c.now()}
		c.mu.Lock()
		c.parsed[key] = entry
		c.mu.Unlock()

		c.logger.Debug("parsed apple health export",
			zap.String("blob_name", blobName),
			zap.Int("categories", len(byCategory)),
		)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*parsedExport), nil
}

// take hands out one category and drops the entry once every category was served
func (c *AppleClient) take(key string, entry *parsedExport, category model.Category) []RawRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := entry.byCategory[category]
	delete(entry.pending, category)
	if len(entry.pending) == 0 && c.parsed[key] == entry {
		delete(c.parsed, key)
	}
	if records == nil {
		return []RawRecord{}
	}
	return records
}

// scan groups the in-range Record and Workout elements of an export by category
func (c *AppleClient) scan(ctx context.Context, r io.Reader, from, to time.Time) (map[model.Category][]RawRecord, error) {
	decoder := xml.NewDecoder(r)
	byCategory := make(map[model.Category][]RawRecord)

	for {
		if err := ctx.Err(); err != nil {
			return nil, &FetchError{Provider: model.ProviderApple, Message: "export parse cancelled", Err: err}
		}

		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &NormalizationError{
				Provider: model.ProviderApple,
				Err:      fmt.Errorf("malformed export.xml: %w", err),
			}
		}

		el, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if el.Name.Local != "Record" && el.Name.Local != "Workout" {
			continue
		}

		attrs := attrMap(el.Attr)
		category := model.CategoryWorkout
		if el.Name.Local == "Record" {
			mapping, known := appleRecordTypes[attrs["type"]]
			if !known {
				continue
			}
			category = mapping.category
		}

		// Unparseable dates are kept so Normalize can reject them
		if startedAt, err := time.Parse(appleTime, attrs["startDate"]); err == nil && (startedAt.Before(from) || startedAt.After(to)) {
			continue
		}

		payload, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal export element: %w", err)
		}
		byCategory[category] = append(byCategory[category], RawRecord{Provider: model.ProviderApple, Category: category, Payload: payload})
	}

	return byCategory, nil
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

// Normalize maps export elements onto canonical metrics
func (c *AppleClient) Normalize(userID string, records []RawRecord) ([]model.HealthPoint, error) {
	n := newNormalizer(model.ProviderApple, userID, len(records))

	for _, rec := range records {
		if !rec.Category.Valid() {
			return nil, n.fail(rec, "%w: %q", model.ErrUnknownCategory, rec.Category)
		}

		var attrs map[string]string
		if err := n.decode(rec, &attrs); err != nil {
			return nil, err
		}

		startedAt, err := time.Parse(appleTime, attrs["startDate"])
		if err != nil {
			return nil, n.fail(rec, "invalid startDate %q: %w", attrs["startDate"], err)
		}

		if rec.Category == model.CategoryWorkout {
			err = c.normalizeWorkout(n, rec, attrs, startedAt)
		} else {
			err = c.normalizeRecord(n, rec, attrs, startedAt)
		}
		if err != nil {
			return nil, err
		}
	}

	return mergeAppleSamples(n.result()), nil
}

// mergeAppleSamples collapses samples sharing a metric and start time into
// one point. Samples from one source are summed for cumulative metrics and
// averaged otherwise. Across sources the largest value wins, so overlapping
// devices are not double counted. SourceRecordID names the winning source.
func mergeAppleSamples(points []model.HealthPoint) []model.HealthPoint {
	type sourceTotal struct {
		value float64
		count int
		first model.HealthPoint
	}
	type group struct {
		sources map[string]*sourceTotal
	}

	keyOf := func(p model.HealthPoint) string {
		return fmt.Sprintf("%s|%s|%d", p.Category, p.Metric, p.Timestamp.UnixNano())
	}

	groups := make(map[string]*group)
	var order []string
	for _, p := range points {
		key := keyOf(p)
		g, ok := groups[key]
		if !ok {
			g = &group{sources: make(map[string]*sourceTotal)}
			groups[key] = g
			order = append(order, key)
		}
		src := p.SourceRecordID
		st, ok := g.sources[src]
		if !ok {
			st = &sourceTotal{first: p}
			g.sources[src] = st
		}
		st.value += p.Value
		st.count++
	}

	merged := make([]model.HealthPoint, 0, len(order))
	for _, key := range order {
		g := groups[key]
		names := make([]string, 0, len(g.sources))
		for name := range g.sources {
			names = append(names, name)
		}
		sort.Strings(names)

		var (
			best      model.HealthPoint
			bestValue float64
			chosen    bool
		)
		for _, name := range names {
			st := g.sources[name]
			value := st.value
			if !appleCumulativeMetrics[st.first.Metric] {
				value /= float64(st.count)
			}
			if !chosen || value > bestValue {
				best, bestValue, chosen = st.first, value, true
			}
		}

		best.Value = bestValue
		if len(names) > 1 {
			payload := make(map[string]any, len(best.Payload)+1)
			for k, v := range best.Payload {
				payload[k] = v
			}
			payload["sources"] = names
			best.Payload = payload
		}
		merged = append(merged, best)
	}
	return merged
}

func (c *AppleClient) normalizeRecord(n *normalizer, rec RawRecord, attrs map[string]string, startedAt time.Time) error {
	mapping, ok := appleRecordTypes[attrs["type"]]
	if !ok || mapping.category != rec.Category {
		return n.fail(rec, "record type %q does not belong to %s", attrs["type"], rec.Category)
	}
	source := attrs["sourceName"]
	payload := map[string]any{}
	if source != "" {
		payload["source"] = source
	}

	// Sleep samples are category values; the duration is the measurement
	if rec.Category == model.CategorySleep {
		if appleNonSleepStages[attrs["value"]] {
			return nil
		}
		endedAt, err := time.Parse(appleTime, attrs["endDate"])
		if err != nil {
			return n.fail(rec, "invalid endDate %q: %w", attrs["endDate"], err)
		}
		payload["stage"] = attrs["value"]
		return n.add(rec, mapping.metric, startedAt, endedAt.Sub(startedAt).Seconds(), mapping.unit, source, payload)
	}

	value, err := strconv.ParseFloat(attrs["value"], 64)
	if err != nil {
		return n.fail(rec, "invalid value %q: %w", attrs["value"], err)
	}
	return n.add(rec, mapping.metric, startedAt, value, mapping.unit, source, payload)
}

func (c *AppleClient) normalizeWorkout(n *normalizer, rec RawRecord, attrs map[string]string, startedAt time.Time) error {
	duration, err := strconv.ParseFloat(attrs["duration"], 64)
	if err != nil {
		return n.fail(rec, "invalid duration %q: %w", attrs["duration"], err)
	}
	switch attrs["durationUnit"] {
	case "min", "":
		duration *= 60
	case "hr":
		duration *= 3600
	case "s":
	default:
		return n.fail(rec, "unknown duration unit %q", attrs["durationUnit"])
	}

	payload := map[string]any{"activity_type": attrs["workoutActivityType"]}
	if v, err := strconv.ParseFloat(attrs["totalEnergyBurned"], 64); err == nil {
		payload["calories_kcal"] = v
	}
	if v, err := strconv.ParseFloat(attrs["totalDistance"], 64); err == nil {
		payload["distance"] = v
		payload["distance_unit"] = attrs["totalDistanceUnit"]
	}
	return n.add(rec, MetricWorkoutDuration, startedAt, duration, UnitSeconds, attrs["sourceName"], payload)
}
