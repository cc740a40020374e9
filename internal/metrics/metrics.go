package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace      = "wordsync"
	syncSubsystem  = "sync"
	cloudSubsystem = "cloud"

	labelStatus     = "status"
	labelEntityType = "entity_type"
	labelResult     = "result"
	labelAction     = "action"
	labelResolution = "resolution"
	labelOperation  = "operation"
)

// Upload and download outcome labels.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"

	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionDeleted   = "deleted"
	ActionSkipped   = "skipped"
	ActionConflict  = "conflict"
	ActionRefreshed = "refreshed"
)

// SyncCollectors records sync engine activity. A nil receiver records nothing.
type SyncCollectors struct {
	runs              *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	uploads           *prometheus.CounterVec
	changesApplied    *prometheus.CounterVec
	conflictsDetected *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec
	pendingChanges    prometheus.Gauge
}

// NewSyncCollectors creates the engine collectors and registers them.
func NewSyncCollectors(registerer prometheus.Registerer) (*SyncCollectors, error) {
	collectors := &SyncCollectors{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: syncSubsystem,
			Name:      "runs_total",
			Help:      "Sync runs by terminal status.",
		}, []string{labelStatus}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: syncSubsystem,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs by terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{labelStatus}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: syncSubsystem,
			Name:      "uploads_total",
			Help:      "Entity uploads by entity type and result.",
		}, []string{labelEntityType, labelResult}),
		changesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: syncSubsystem,
			Name:      "remote_changes_total",
			Help:      "Downloaded remote changes by entity type and local action.",
		}, []string{labelEntityType, labelAction}),
		conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: syncSubsystem,
			Name:      "conflicts_detected_total",
			Help:      "Conflicts opened by entity type.",
		}, []string{labelEntityType}),
		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: syncSubsystem,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts resolved by resolution policy.",
		}, []string{labelResolution}),
		pendingChanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: syncSubsystem,
			Name:      "pending_changes",
			Help:      "Entities awaiting upload or conflict resolution after the last run.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		collectors.runs,
		collectors.runDuration,
		collectors.uploads,
		collectors.changesApplied,
		collectors.conflictsDetected,
		collectors.conflictsResolved,
		collectors.pendingChanges,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return collectors, nil
}

func (c *SyncCollectors) ObserveRun(status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (c *SyncCollectors) ObserveUpload(entityType, result string) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(entityType, result).Inc()
}

func (c *SyncCollectors) ObserveRemoteChange(entityType, action string) {
	if c == nil {
		return
	}
	c.changesApplied.WithLabelValues(entityType, action).Inc()
}

func (c *SyncCollectors) ObserveConflictDetected(entityType string) {
	if c == nil {
		return
	}
	c.conflictsDetected.WithLabelValues(entityType).Inc()
}

func (c *SyncCollectors) ObserveConflictResolved(resolution string) {
	if c == nil {
		return
	}
	c.conflictsResolved.WithLabelValues(resolution).Inc()
}

func (c *SyncCollectors) SetPendingChanges(count int64) {
	if c == nil {
		return
	}
	c.pendingChanges.Set(float64(count))
}

// CloudCollectors records cloud record server activity. A nil receiver records nothing.
type CloudCollectors struct {
	requests *prometheus.CounterVec
}

// NewCloudCollectors creates the cloud collectors and registers them.
func NewCloudCollectors(registerer prometheus.Registerer) (*CloudCollectors, error) {
	collectors := &CloudCollectors{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cloudSubsystem,
			Name:      "record_requests_total",
			Help:      "Record API requests by operation and result.",
		}, []string{labelOperation, labelResult}),
	}
	if err := registerer.Register(collectors.requests); err != nil {
		return nil, err
	}
	return collectors, nil
}

func (c *CloudCollectors) ObserveRequest(operation string, succeeded bool) {
	if c == nil {
		return
	}
	result := ResultSucceeded
	if !succeeded {
		result = ResultFailed
	}
	c.requests.WithLabelValues(operation, result).Inc()
}
