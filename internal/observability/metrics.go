package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"interface", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"interface", "method", "route", "status"},
	)
	commandRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodus",
			Subsystem: "command",
			Name:      "runs_total",
			Help:      "Command invocations dispatched through interfaces.",
		},
		[]string{"interface", "service", "command", "code"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodus",
			Subsystem: "command",
			Name:      "run_duration_seconds",
			Help:      "Command invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"interface", "service", "command", "code"},
	)
	serviceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodus",
			Subsystem: "service",
			Name:      "events_total",
			Help:      "Events emitted by services.",
		},
		[]string{"service", "event"},
	)
	serviceFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodus",
			Subsystem: "service",
			Name:      "faults_total",
			Help:      "Protocol faults raised while talking to service processes.",
		},
		[]string{"service", "code"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodus",
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Service process exits.",
		},
		[]string{"service", "expected"},
	)
	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodus",
			Subsystem: "service",
			Name:      "up",
			Help:      "1 while a service is started.",
		},
		[]string{"service"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			commandRuns, commandDuration,
			serviceEvents, serviceFaults, serviceExits, serviceUp,
		)
	})
}

func RecordHTTPRequest(iface, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(iface, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(iface, method, route, statusLabel).Observe(duration.Seconds())
}

// RecordCommand records one dispatched command. code is the error code, or
// "OK".
func RecordCommand(iface, service, command, code string, duration time.Duration) {
	RegisterMetrics()
	commandRuns.WithLabelValues(iface, service, command, code).Inc()
	commandDuration.WithLabelValues(iface, service, command, code).Observe(duration.Seconds())
}

func recordEvent(service, event string) {
	RegisterMetrics()
	serviceEvents.WithLabelValues(service, event).Inc()
}

func recordFault(service, code string) {
	RegisterMetrics()
	serviceFaults.WithLabelValues(service, code).Inc()
}

func recordExit(service string, expected bool) {
	RegisterMetrics()
	serviceExits.WithLabelValues(service, strconv.FormatBool(expected)).Inc()
}

func setUp(service string, up bool) {
	RegisterMetrics()
	v := 0.0
	if up {
		v = 1
	}
	serviceUp.WithLabelValues(service).Set(v)
}
