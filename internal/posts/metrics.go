package posts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mergeDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crosspost",
		Subsystem: "merge",
		Name:      "decisions_total",
		Help:      "Merge decisions per platform and outcome.",
	}, []string{"platform", "decision"})

	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crosspost",
		Subsystem: "fetch",
		Name:      "errors_total",
		Help:      "Fragments that failed to apply during a fetch.",
	}, []string{"platform"})

	publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crosspost",
		Subsystem: "publish",
		Name:      "total",
		Help:      "Successful publishes per target platform and status.",
	}, []string{"platform", "status"})
)
