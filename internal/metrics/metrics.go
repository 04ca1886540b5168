package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇集 pool/queue/server 的运行指标；nil 接收者上的方法均为空操作。
type Metrics struct {
	EventsExecuted prometheus.Counter
	EventsPending  prometheus.Gauge
	UnitsRunning   prometheus.Gauge
	Sessions       prometheus.Gauge
	AcceptRetries  prometheus.Counter
	TaskPanics     prometheus.Counter
}

// New 创建指标；reg 非 nil 时注册，已注册的同名指标被复用。
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "gio"
	}
	m := &Metrics{
		EventsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventq", Name: "events_executed_total",
			Help: "Queued events started on their owning unit.",
		}),
		EventsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eventq", Name: "events_pending",
			Help: "Events accepted by a queue and not yet completed.",
		}),
		UnitsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "iopool", Name: "units_running",
			Help: "I/O units whose worker goroutine is running.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "sessions",
			Help: "Live server sessions.",
		}),
		AcceptRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "accept_retries_total",
			Help: "Accept failures retried after backoff.",
		}),
		TaskPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "iopool", Name: "task_panics_total",
			Help: "Posted tasks that panicked and were recovered.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.EventsExecuted = register(reg, m.EventsExecuted, &err)
	m.EventsPending = register(reg, m.EventsPending, &err)
	m.UnitsRunning = register(reg, m.UnitsRunning, &err)
	m.Sessions = register(reg, m.Sessions, &err)
	m.AcceptRetries = register(reg, m.AcceptRetries, &err)
	m.TaskPanics = register(reg, m.TaskPanics, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		if *errp == nil {
			*errp = err
		}
	}
	return c
}

func (m *Metrics) EventStarted() {
	if m == nil {
		return
	}
	m.EventsExecuted.Inc()
}

func (m *Metrics) EventAccepted() {
	if m == nil {
		return
	}
	m.EventsPending.Inc()
}

func (m *Metrics) EventDone() {
	if m == nil {
		return
	}
	m.EventsPending.Dec()
}

func (m *Metrics) UnitUp() {
	if m == nil {
		return
	}
	m.UnitsRunning.Inc()
}

func (m *Metrics) UnitDown() {
	if m == nil {
		return
	}
	m.UnitsRunning.Dec()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

func (m *Metrics) AcceptRetried() {
	if m == nil {
		return
	}
	m.AcceptRetries.Inc()
}

func (m *Metrics) TaskPanicked() {
	if m == nil {
		return
	}
	m.TaskPanics.Inc()
}
