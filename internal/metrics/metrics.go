package metrics

import (
	"time"

	"github.com/fisaks/fieldnode/internal/pump"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements the recorder hooks of the dispatcher, the aggregator,
// the session and the pump controller.
type Metrics struct {
	reg        prometheus.Registerer
	commands   *prometheus.CounterVec
	publishes  *prometheus.CounterVec
	probeReads *prometheus.CounterVec
	pumpActive prometheus.GaugeFunc
	runs       *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnode_commands_total",
			Help: "Pump commands received, by action and outcome.",
		}, []string{"action", "result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnode_publishes_total",
			Help: "MQTT publishes attempted by the session, by kind and outcome.",
		}, []string{"kind", "result"}),
		probeReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnode_sensor_reads_total",
			Help: "Sensor probe reads, by sensor id and outcome.",
		}, []string{"sensor", "result"}),
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldnode_pump_run_seconds",
			Help:    "How long timed pump runs actually ran.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240, 300},
		}, []string{"outcome"}),
	}
	m.reg = reg
	reg.MustRegister(m.commands, m.publishes, m.probeReads, m.runs)
	return m
}

func (m *Metrics) CommandHandled(action, result string) {
	if action == "" {
		action = "none"
	}
	m.commands.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ProbeRead(sensorID string, ok bool) {
	m.probeReads.WithLabelValues(sensorID, okLabel(ok)).Inc()
}

func (m *Metrics) Published(kind string, err error) {
	m.publishes.WithLabelValues(kind, okLabel(err == nil)).Inc()
}

// TrackPump exports the pump level read from status at scrape time, so the
// gauge always agrees with the last hardware write.
func (m *Metrics) TrackPump(status func() pump.Status) {
	m.pumpActive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fieldnode_pump_active",
		Help: "1 while the pump output is energized.",
	}, func() float64 {
		if status().Active {
			return 1
		}
		return 0
	})
	m.reg.MustRegister(m.pumpActive)
}

func (m *Metrics) RunFinished(_ pump.RunInfo, ran time.Duration, cancelled bool) {
	outcome := "completed"
	if cancelled {
		outcome = "cancelled"
	}
	m.runs.WithLabelValues(outcome).Observe(ran.Seconds())
}

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
