package trainer

import "github.com/prometheus/client_golang/prometheus"

var (
	trainLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "instructune",
		Subsystem: "train",
		Name:      "loss",
		Help:      "Mean training loss of the last optimizer step",
	})

	trainLearningRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "instructune",
		Subsystem: "train",
		Name:      "learning_rate",
		Help:      "Learning rate applied at the last optimizer step",
	})

	trainGradNorm = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "instructune",
		Subsystem: "train",
		Name:      "grad_norm",
		Help:      "Global gradient norm before clipping",
	})

	trainEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "instructune",
		Subsystem: "train",
		Name:      "epoch",
		Help:      "Current (fractional) epoch",
	})

	trainStepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "instructune",
		Subsystem: "train",
		Name:      "steps_total",
		Help:      "Total optimizer steps taken",
	})

	trainTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "instructune",
		Subsystem: "train",
		Name:      "tokens_total",
		Help:      "Total target tokens processed",
	})

	trainStepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "instructune",
		Subsystem: "train",
		Name:      "step_duration_seconds",
		Help:      "Wall time per optimizer step",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	checkpointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "instructune",
		Subsystem: "train",
		Name:      "checkpoints_total",
		Help:      "Checkpoints written",
	})
)

func init() {
	prometheus.MustRegister(trainLoss, trainLearningRate, trainGradNorm, trainEpoch,
		trainStepsTotal, trainTokensTotal, trainStepDuration, checkpointsTotal)
}
