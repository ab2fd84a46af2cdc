package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "deskhub_"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	busPublishes     *prometheus.CounterVec
	busHandlerErrors *prometheus.CounterVec

	connectedDevices prometheus.Gauge
	broadcastSends   *prometheus.CounterVec
	inboundMessages  *prometheus.CounterVec

	telemetrySamples prometheus.Counter
	schedulePushes   *prometheus.CounterVec
	transitUpdates   *prometheus.CounterVec
)

// Init registers the hub collectors with the default registry. Calling it
// more than once is harmless; helpers are no-ops until it has run.
func Init() {
	registerOnce.Do(func() {
		busPublishes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bus_publishes_total",
				Help: "Events published on the in-process bus by topic",
			},
			[]string{"topic"},
		)
		busHandlerErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bus_handler_errors_total",
				Help: "Bus subscriber failures by topic",
			},
			[]string{"topic"},
		)
		connectedDevices = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "connected_devices",
				Help: "Device connections currently registered",
			},
		)
		broadcastSends = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broadcast_sends_total",
				Help: "Per-connection broadcast sends by result",
			},
			[]string{"result"},
		)
		inboundMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "inbound_messages_total",
				Help: "Messages received from devices by kind",
			},
			[]string{"kind"},
		)
		telemetrySamples = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_samples_total",
				Help: "pc_load samples sent to devices",
			},
		)
		schedulePushes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "schedule_pushes_total",
				Help: "Schedule reconciliation outcomes",
			},
			[]string{"outcome"},
		)
		transitUpdates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transit_updates_total",
				Help: "Transit schedule cache refreshes by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			busPublishes,
			busHandlerErrors,
			connectedDevices,
			broadcastSends,
			inboundMessages,
			telemetrySamples,
			schedulePushes,
			transitUpdates,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncBusPublish(topic string) {
	if busPublishes != nil {
		busPublishes.WithLabelValues(topic).Inc()
	}
}

func IncBusHandlerError(topic string) {
	if busHandlerErrors != nil {
		busHandlerErrors.WithLabelValues(topic).Inc()
	}
}

func SetConnectedDevices(n int) {
	if connectedDevices != nil {
		connectedDevices.Set(float64(n))
	}
}

func IncBroadcastSend(result string) {
	if result == "" {
		result = ResultSuccess
	}
	if broadcastSends != nil {
		broadcastSends.WithLabelValues(result).Inc()
	}
}

func IncInbound(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if inboundMessages != nil {
		inboundMessages.WithLabelValues(kind).Inc()
	}
}

func IncTelemetrySample() {
	if telemetrySamples != nil {
		telemetrySamples.Inc()
	}
}

// IncSchedulePush records a reconciliation outcome: "sent", "fresh" or
// "unavailable".
func IncSchedulePush(outcome string) {
	if schedulePushes != nil {
		schedulePushes.WithLabelValues(outcome).Inc()
	}
}

func IncTransitUpdate(result string) {
	if transitUpdates != nil {
		transitUpdates.WithLabelValues(result).Inc()
	}
}
