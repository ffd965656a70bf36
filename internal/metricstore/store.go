package metricstore

import (
	"log/slog"
	"sync"
	"time"
)

// MetricType identifies a tracked therapeutic signal.
type MetricType string

const (
	MetricEngagement          MetricType = "engagement"
	MetricProgress            MetricType = "progress"
	MetricSafety              MetricType = "safety"
	MetricTherapeuticValue    MetricType = "therapeutic_value"
	MetricEmotionalRegulation MetricType = "emotional_regulation"
	MetricTherapeuticAlliance MetricType = "therapeutic_alliance"
	MetricCopingSkills        MetricType = "coping_skills"
	MetricCrisisRisk          MetricType = "crisis_risk"
	MetricResponseTime        MetricType = "response_time"
)

// normalizedTypes holds the metric types whose values are expected in [0,1].
// Out-of-range points for these types are accepted on append but excluded
// from aggregate statistics downstream.
var normalizedTypes = map[MetricType]bool{
	MetricEngagement:          true,
	MetricProgress:            true,
	MetricSafety:              true,
	MetricTherapeuticValue:    true,
	MetricEmotionalRegulation: true,
	MetricTherapeuticAlliance: true,
	MetricCopingSkills:        true,
	MetricCrisisRisk:          true,
}

// Normalized reports whether values of the given type are [0,1]-bounded.
func Normalized(t MetricType) bool {
	return normalizedTypes[t]
}

// DataPoint is a single immutable metric observation.
type DataPoint struct {
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	Type      MetricType             `json:"metric_type"`
	Value     float64                `json:"value"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

type series struct {
	mu     sync.Mutex
	points []DataPoint
}

type key struct {
	userID string
	metric MetricType
}

// Store is an append-only per-(user, metric type) buffer with bounded
// time-based retention. Windows are snapshots: eviction never corrupts a
// window already handed to a reader.
type Store struct {
	logger    *slog.Logger
	horizon   time.Duration
	maxPoints int

	mu        sync.RWMutex
	series    map[key]*series
	userTypes map[string]map[MetricType]bool
	sessions  map[string]sessionInfo

	now func() time.Time
}

type sessionInfo struct {
	userID   string
	lastSeen time.Time
}

// New creates a metric store retaining points newer than horizon, with at
// most maxPoints per (user, type) buffer.
func New(logger *slog.Logger, horizon time.Duration, maxPoints int) *Store {
	return &Store{
		logger:    logger,
		horizon:   horizon,
		maxPoints: maxPoints,
		series:    make(map[key]*series),
		userTypes: make(map[string]map[MetricType]bool),
		sessions:  make(map[string]sessionInfo),
		now:       time.Now,
	}
}

// Append records a data point. Points are ordered by arrival, not by their
// timestamp field. Expired points are evicted lazily while the buffer is
// already locked.
func (s *Store) Append(userID, sessionID string, metric MetricType, value float64, context map[string]interface{}) {
	now := s.now()
	point := DataPoint{
		UserID:    userID,
		SessionID: sessionID,
		Type:      metric,
		Value:     value,
		Timestamp: now,
		Context:   context,
	}

	if Normalized(metric) && (value < 0 || value > 1) {
		s.logger.Warn("out-of-range metric value accepted",
			"user_id", userID,
			"metric_type", metric,
			"value", value)
	}

	ser := s.seriesFor(userID, metric, sessionID, now)

	ser.mu.Lock()
	ser.points = append(ser.points, point)
	cutoff := now.Add(-s.horizon)
	ser.points = evict(ser.points, cutoff, s.maxPoints)
	ser.mu.Unlock()
}

// Window returns a copy of the non-evicted points for (user, metric) in
// arrival order. A zero since returns the whole retained buffer.
func (s *Store) Window(userID string, metric MetricType, since time.Time) []DataPoint {
	s.mu.RLock()
	ser := s.series[key{userID, metric}]
	s.mu.RUnlock()
	if ser == nil {
		return nil
	}

	ser.mu.Lock()
	defer ser.mu.Unlock()

	out := make([]DataPoint, 0, len(ser.points))
	for _, p := range ser.points {
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Latest returns the most recent point per metric type for the user.
func (s *Store) Latest(userID string) map[MetricType]DataPoint {
	s.mu.RLock()
	types := make([]MetricType, 0, len(s.userTypes[userID]))
	for t := range s.userTypes[userID] {
		types = append(types, t)
	}
	s.mu.RUnlock()

	out := make(map[MetricType]DataPoint, len(types))
	for _, t := range types {
		s.mu.RLock()
		ser := s.series[key{userID, t}]
		s.mu.RUnlock()
		if ser == nil {
			continue
		}
		ser.mu.Lock()
		if n := len(ser.points); n > 0 {
			out[t] = ser.points[n-1]
		}
		ser.mu.Unlock()
	}
	return out
}

// Types returns the metric types seen for the user.
func (s *Store) Types(userID string) []MetricType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MetricType, 0, len(s.userTypes[userID]))
	for t := range s.userTypes[userID] {
		out = append(out, t)
	}
	return out
}

// Sessions returns the sessions that produced metrics within the retention
// horizon, mapped to their user.
func (s *Store) Sessions() map[string]string {
	cutoff := s.now().Add(-s.horizon)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.sessions))
	for id, info := range s.sessions {
		if info.lastSeen.After(cutoff) {
			out[id] = info.userID
		}
	}
	return out
}

// Sweep evicts expired points and stale sessions across all buffers. It is
// called periodically by the scheduler; Append also evicts lazily, so the
// sweep only reclaims buffers that have gone quiet.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.horizon)

	s.mu.RLock()
	all := make([]*series, 0, len(s.series))
	for _, ser := range s.series {
		all = append(all, ser)
	}
	s.mu.RUnlock()

	evicted := 0
	for _, ser := range all {
		ser.mu.Lock()
		before := len(ser.points)
		ser.points = evict(ser.points, cutoff, s.maxPoints)
		evicted += before - len(ser.points)
		ser.mu.Unlock()
	}

	s.mu.Lock()
	for id, info := range s.sessions {
		if !info.lastSeen.After(cutoff) {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	return evicted
}

func (s *Store) seriesFor(userID string, metric MetricType, sessionID string, now time.Time) *series {
	k := key{userID, metric}

	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[k]
	if !ok {
		ser = &series{}
		s.series[k] = ser
	}
	if s.userTypes[userID] == nil {
		s.userTypes[userID] = make(map[MetricType]bool)
	}
	s.userTypes[userID][metric] = true
	if sessionID != "" {
		s.sessions[sessionID] = sessionInfo{userID: userID, lastSeen: now}
	}
	return ser
}

// evict drops points older than cutoff and, if the buffer is still over
// maxPoints, the oldest surplus. Arrival order is preserved.
func evict(points []DataPoint, cutoff time.Time, maxPoints int) []DataPoint {
	idx := 0
	for idx < len(points) && points[idx].Timestamp.Before(cutoff) {
		idx++
	}
	points = points[idx:]
	if maxPoints > 0 && len(points) > maxPoints {
		points = points[len(points)-maxPoints:]
	}
	return points
}
