package service

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const metricsJob = "ccoffload"

type MetricsService interface {
	// Push replaces this client's metrics on the Pushgateway with the
	// numbers of record.
	Push(ctx context.Context, record InvocationRecord) error
}

// MetricsServiceImpl pushes to the Pushgateway at URL, grouped by client
// name so that every machine keeps its own last invocation.
type MetricsServiceImpl struct {
	URL string
}

// Push implements MetricsService
func (s *MetricsServiceImpl) Push(ctx context.Context, record InvocationRecord) error {
	registry := prometheus.NewRegistry()

	invocationDuration := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ccoffload_invocation_duration_seconds",
			Help: "Wall time of the last compiler invocation",
		},
		[]string{"mode"},
	)
	exitCode := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ccoffload_invocation_exit_code",
		Help: "Exit code of the last compiler invocation",
	})
	lastInvocation := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ccoffload_last_invocation_timestamp_seconds",
		Help: "Start of the last compiler invocation",
	})
	preprocessDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ccoffload_preprocess_duration_seconds",
		Help: "Preprocessing wall time of the last invocation, slot wait included",
	})
	preprocessSlotWait := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ccoffload_preprocess_slot_wait_seconds",
		Help: "Time the last invocation waited for a preprocessing slot",
	})
	stageDuration := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ccoffload_stage_duration_seconds",
			Help: "Time the last invocation spent reaching each negotiation stage",
		},
		[]string{"stage"},
	)
	registry.MustRegister(invocationDuration, exitCode, lastInvocation, preprocessDuration, preprocessSlotWait, stageDuration)

	invocationDuration.WithLabelValues(record.Mode).Set(record.Duration.Seconds())
	exitCode.Set(float64(record.ExitCode))
	lastInvocation.Set(float64(record.Started.UnixNano()) / 1e9)
	preprocessDuration.Set(record.PreprocessDuration.Seconds())
	preprocessSlotWait.Set(record.PreprocessSlotWait.Seconds())
	for _, stage := range record.Stages {
		stageDuration.WithLabelValues(stage.Stage).Set(stage.Elapsed.Seconds())
	}

	pusher := push.New(s.URL, metricsJob).Gatherer(registry)
	if record.ClientName != "" {
		pusher = pusher.Grouping("instance", record.ClientName)
	}
	return pusher.PushContext(ctx)
}

var _ MetricsService = (*MetricsServiceImpl)(nil)
