package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsebus_packets_processed_total",
		Help: "Total packets passed to the dispatcher",
	})

	packetsBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsebus_packets_buffered",
		Help: "Packets currently waiting for a first subscriber",
	})

	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebus_packets_dropped_total",
			Help: "Packets dropped by reason",
		},
		[]string{"reason"}, // buffer_full|protocol|queue_full
	)

	streamsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsebus_streams_completed_total",
		Help: "Total reassembled streams",
	})

	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsebus_streams_active",
		Help: "Streams currently being reassembled",
	})

	streamsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsebus_streams_evicted_total",
		Help: "Incomplete streams evicted by ttl or capacity",
	})

	callbackErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsebus_callback_errors_total",
		Help: "Subscriber callbacks that returned an error or panicked",
	})

	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulsebus_sessions",
			Help: "Open gateway sessions by state",
		},
		[]string{"state"},
	)

	authTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebus_auth_total",
			Help: "Credential exchanges by result code",
		},
		[]string{"result"},
	)

	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebus_heartbeats_total",
			Help: "Heartbeats received by result",
		},
		[]string{"result"}, // ok|invalid_pulse|token_expired
	)

	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebus_sessions_closed_total",
			Help: "Closed sessions by reason",
		},
		[]string{"reason"},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebus_commands_total",
			Help: "Total gateway commands executed by name",
		},
		[]string{"name"},
	)

	commandErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebus_command_errors_total",
			Help: "Total gateway command errors by reason",
		},
		[]string{"reason"}, // not_found|permission|handler
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsebus_audit_dropped_total",
		Help: "Audit events dropped because the pipeline was full",
	})
)

func init() {
	prometheus.MustRegister(
		packetsProcessed,
		packetsBuffered,
		packetsDropped,
		streamsCompleted,
		streamsActive,
		streamsEvicted,
		callbackErrors,
		sessionsActive,
		authTotal,
		heartbeatsTotal,
		sessionsClosed,
		commandsTotal,
		commandErrorsTotal,
		auditDropped,
	)
}

func IncProcessed()                       { packetsProcessed.Inc() }
func SetBuffered(n int)                   { packetsBuffered.Set(float64(n)) }
func IncDropped(reason string)            { packetsDropped.WithLabelValues(reason).Inc() }
func IncStreamCompleted()                 { streamsCompleted.Inc() }
func SetStreamsActive(n int)              { streamsActive.Set(float64(n)) }
func AddStreamsEvicted(n int)             { streamsEvicted.Add(float64(n)) }
func IncCallbackError()                   { callbackErrors.Inc() }
func AddSessions(state string, d float64) { sessionsActive.WithLabelValues(state).Add(d) }
func IncAuth(result string)               { authTotal.WithLabelValues(result).Inc() }
func IncHeartbeat(result string)          { heartbeatsTotal.WithLabelValues(result).Inc() }
func IncSessionClosed(reason string)      { sessionsClosed.WithLabelValues(reason).Inc() }
func IncCommand(name string)              { commandsTotal.WithLabelValues(name).Inc() }
func IncCommandError(reason string)       { commandErrorsTotal.WithLabelValues(reason).Inc() }
func IncAuditDropped()                    { auditDropped.Inc() }
