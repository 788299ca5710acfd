package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "catalyst"

// Collectors are the runner's metrics.
type Collectors struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	StepRetries       *prometheus.CounterVec
	StepsSkipped      *prometheus.CounterVec
	LockConflicts     prometheus.Counter
	SecretResolutions prometheus.Counter
	RunsArchived      prometheus.Counter
}

// NewCollectors creates the collectors and registers them with reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Finished runs by playbook and terminal status.",
		}, []string{"playbook", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall time of runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"playbook"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_total",
			Help: "Step invocations by action and outcome.",
		}, []string{"action", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_duration_seconds",
			Help:    "Wall time of steps including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		StepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "step_retries_total",
			Help: "Retries scheduled by error policies.",
		}, []string{"playbook"}),
		StepsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_skipped_total",
			Help: "Steps skipped after exhausting a Continue policy.",
		}, []string{"playbook"}),
		LockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_conflicts_total",
			Help: "Lock acquisitions refused because of a conflicting run.",
		}),
		SecretResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "secret_resolutions_total",
			Help: "Secrets resolved by templates.",
		}),
		RunsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_archived_total",
			Help: "Runs moved into history.",
		}),
	}
	for _, col := range []prometheus.Collector{
		c.RunsTotal, c.RunDuration, c.StepsTotal, c.StepDuration,
		c.StepRetries, c.StepsSkipped, c.LockConflicts, c.SecretResolutions, c.RunsArchived,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}
