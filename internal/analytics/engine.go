package analytics

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/havenfable/crisis-sentinel/internal/metricstore"
)

// Timeframe selects the report aggregation window.
type Timeframe string

const (
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
)

// Duration returns the window length the timeframe covers.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case TimeframeDaily:
		return 24 * time.Hour
	case TimeframeMonthly:
		return 30 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// TrendDirection classifies the movement of a metric over a window.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

// CurrentMetric is the most recent observation for one metric type.
type CurrentMetric struct {
	Value     float64                `json:"current_value"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// MetricSummary aggregates one metric type over the report window.
type MetricSummary struct {
	Count       int                `json:"count"`
	Latest      float64            `json:"latest"`
	Average     float64            `json:"average"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Percentiles map[string]float64 `json:"percentiles"`
	Trend       TrendDirection     `json:"trend"`
	TrendRate   float64            `json:"trend_rate"`
}

// Report is an immutable, cacheable analytics summary for one user and
// timeframe.
type Report struct {
	ReportID          string                                   `json:"report_id"`
	UserID            string                                   `json:"user_id"`
	Timeframe         Timeframe                                `json:"timeframe"`
	MetricsSummary    map[metricstore.MetricType]MetricSummary `json:"metrics_summary"`
	RiskFactors       []string                                 `json:"risk_factors"`
	ProtectiveFactors []string                                 `json:"protective_factors"`
	Recommendations   []string                                 `json:"recommendations"`
	GeneratedAt       time.Time                                `json:"generated_at"`
}

// Engine computes real-time metric views and cached analytics reports over
// the metric store.
type Engine struct {
	logger       *slog.Logger
	store        *metricstore.Store
	cache        *gocache.Cache
	trendEpsilon float64

	now func() time.Time
}

// New creates an analytics engine with a read-through report cache. Reports
// are immutable value objects, so racing recomputations on a cache miss are
// harmless: last writer wins.
func New(logger *slog.Logger, store *metricstore.Store, cacheTTL, cleanupInterval time.Duration, trendEpsilon float64) *Engine {
	return &Engine{
		logger:       logger,
		store:        store,
		cache:        gocache.New(cacheTTL, cleanupInterval),
		trendEpsilon: trendEpsilon,
		now:          time.Now,
	}
}

// RealTimeMetrics returns the latest point per tracked metric type for the
// user. O(number of tracked types).
func (e *Engine) RealTimeMetrics(userID string) map[metricstore.MetricType]CurrentMetric {
	latest := e.store.Latest(userID)
	out := make(map[metricstore.MetricType]CurrentMetric, len(latest))
	for t, p := range latest {
		out[t] = CurrentMetric{
			Value:     p.Value,
			Timestamp: p.Timestamp,
			Context:   p.Context,
		}
	}
	return out
}

// GenerateReport returns the cached report for (user, timeframe) when one is
// within its TTL, otherwise recomputes and caches a new one. A cache hit
// returns the stored report unchanged, including its GeneratedAt.
func (e *Engine) GenerateReport(userID string, timeframe Timeframe) *Report {
	cacheKey := reportKey(userID, timeframe)
	if cached, ok := e.cache.Get(cacheKey); ok {
		return cached.(*Report)
	}

	report := e.compute(userID, timeframe)
	e.cache.Set(cacheKey, report, gocache.DefaultExpiration)
	return report
}

// InvalidateReports drops all cached reports for the user, forcing the next
// GenerateReport to recompute.
func (e *Engine) InvalidateReports(userID string) {
	for _, tf := range []Timeframe{TimeframeDaily, TimeframeWeekly, TimeframeMonthly} {
		e.cache.Delete(reportKey(userID, tf))
	}
}

func (e *Engine) compute(userID string, timeframe Timeframe) *Report {
	now := e.now()
	since := now.Add(-timeframe.Duration())

	summary := make(map[metricstore.MetricType]MetricSummary)
	for _, metric := range e.store.Types(userID) {
		points := e.store.Window(userID, metric, since)
		if len(points) == 0 {
			continue
		}
		summary[metric] = e.summarize(metric, points)
	}

	risk, protective := inferFactors(summary)

	return &Report{
		ReportID:          uuid.New().String(),
		UserID:            userID,
		Timeframe:         timeframe,
		MetricsSummary:    summary,
		RiskFactors:       risk,
		ProtectiveFactors: protective,
		Recommendations:   recommend(risk),
		GeneratedAt:       now,
	}
}

// summarize aggregates a window of points. Zero values and, for normalized
// types, out-of-range values are excluded from average/min/max/percentiles
// but still count toward Count.
func (e *Engine) summarize(metric metricstore.MetricType, points []metricstore.DataPoint) MetricSummary {
	valid := make([]float64, 0, len(points))
	for _, p := range points {
		if p.Value == 0 {
			continue
		}
		if metricstore.Normalized(metric) && (p.Value < 0 || p.Value > 1) {
			continue
		}
		valid = append(valid, p.Value)
	}

	s := MetricSummary{
		Count:  len(points),
		Latest: points[len(points)-1].Value,
	}

	if len(valid) > 0 {
		sum := 0.0
		s.Min = valid[0]
		s.Max = valid[0]
		for _, v := range valid {
			sum += v
			if v < s.Min {
				s.Min = v
			}
			if v > s.Max {
				s.Max = v
			}
		}
		s.Average = sum / float64(len(valid))

		sorted := make([]float64, len(valid))
		copy(sorted, valid)
		sort.Float64s(sorted)
		s.Percentiles = map[string]float64{
			"p50": Percentile(sorted, 50),
			"p75": Percentile(sorted, 75),
			"p90": Percentile(sorted, 90),
			"p95": Percentile(sorted, 95),
			"p99": Percentile(sorted, 99),
		}
	} else {
		s.Percentiles = map[string]float64{
			"p50": 0, "p75": 0, "p90": 0, "p95": 0, "p99": 0,
		}
	}

	s.Trend, s.TrendRate = e.classifyTrend(points)
	return s
}

// Percentile computes the nearest-rank percentile over an already-sorted
// dataset as sorted[min(n-1, floor(p/100*n))]. Empty input yields 0.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0.0
	}
	idx := int(math.Floor(p / 100 * float64(n)))
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// classifyTrend compares the mean of the later half of the window against
// the earlier half. Movement within the stability epsilon is stable, as is
// any window with fewer than two points.
func (e *Engine) classifyTrend(points []metricstore.DataPoint) (TrendDirection, float64) {
	if len(points) < 2 {
		return TrendStable, 0
	}

	mid := len(points) / 2
	early := mean(points[:mid])
	late := mean(points[mid:])
	rate := late - early

	switch {
	case rate > e.trendEpsilon:
		return TrendImproving, rate
	case rate < -e.trendEpsilon:
		return TrendDeclining, rate
	default:
		return TrendStable, rate
	}
}

func mean(points []metricstore.DataPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum += p.Value
	}
	return sum / float64(len(points))
}

// inferFactors applies fixed threshold rules over the metric summaries. The
// rules are independent and order-insensitive.
func inferFactors(summary map[metricstore.MetricType]MetricSummary) (risk, protective []string) {
	if s, ok := summary[metricstore.MetricSafety]; ok && s.Latest < 0.5 {
		risk = append(risk, "Low safety scores")
	}
	if s, ok := summary[metricstore.MetricEngagement]; ok && s.Latest < 0.4 {
		risk = append(risk, "Poor engagement levels")
	}
	if s, ok := summary[metricstore.MetricCrisisRisk]; ok && s.Latest > 0.7 {
		risk = append(risk, "Elevated crisis risk")
	}
	if s, ok := summary[metricstore.MetricEmotionalRegulation]; ok && s.Latest < 0.3 {
		risk = append(risk, "Poor emotional regulation")
	}

	if s, ok := summary[metricstore.MetricTherapeuticAlliance]; ok && s.Latest >= 0.7 {
		protective = append(protective, "Strong therapeutic alliance")
	}
	if s, ok := summary[metricstore.MetricCopingSkills]; ok && s.Latest >= 0.7 {
		protective = append(protective, "Well-developed coping skills")
	}
	if s, ok := summary[metricstore.MetricProgress]; ok && s.Latest >= 0.7 {
		protective = append(protective, "Consistent therapeutic progress")
	}
	return risk, protective
}

func recommend(risk []string) []string {
	var out []string
	for _, r := range risk {
		switch r {
		case "Low safety scores":
			out = append(out, "Review and update the safety plan with the user")
		case "Poor engagement levels":
			out = append(out, "Adjust narrative pacing to re-engage the user")
		case "Elevated crisis risk":
			out = append(out, "Increase practitioner check-in frequency")
		case "Poor emotional regulation":
			out = append(out, "Introduce grounding and regulation exercises")
		}
	}
	if len(out) == 0 {
		out = append(out, "Continue current therapeutic approach")
	}
	return out
}

func reportKey(userID string, timeframe Timeframe) string {
	return fmt.Sprintf("%s|%s", userID, timeframe)
}
