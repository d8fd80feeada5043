package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the form runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as expression evaluation and the
// auto-save pipeline.
type Collector interface {
	IncSchemaReload(file string)
	IncSubmit(outcome string)
	IncEvalError(kind string)
	SetPendingFields(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncSchemaReload(string) {}
func (noopCollector) IncSubmit(string)       {}
func (noopCollector) IncEvalError(string)    {}
func (noopCollector) SetPendingFields(int)   {}

// PrometheusCollector exposes form runtime counters via Prometheus.
type PrometheusCollector struct {
	schemaReloads *prometheus.CounterVec
	submits       *prometheus.CounterVec
	evalErrors    *prometheus.CounterVec
	pendingFields prometheus.Gauge
}

var (
	schemaReloadCounter     *prometheus.CounterVec
	schemaReloadCounterLock sync.Mutex
	submitCounter           *prometheus.CounterVec
	submitCounterLock       sync.Mutex
	evalErrorCounter        *prometheus.CounterVec
	evalErrorCounterLock    sync.Mutex
	pendingFieldsGauge      prometheus.Gauge
	pendingFieldsGaugeLock  sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	schemaReloadCounterLock.Lock()
	if schemaReloadCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formic_schema_reload_total",
			Help: "Number of schema reload operations triggered per source file.",
		}, []string{"file"})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					schemaReloadCounter = existing
				} else {
					schemaReloadCounterLock.Unlock()
					return nil, err
				}
			} else {
				schemaReloadCounterLock.Unlock()
				return nil, err
			}
		} else {
			schemaReloadCounter = counter
		}
	}
	schemaReloadCounterLock.Unlock()

	submitCounterLock.Lock()
	if submitCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formic_autosave_submit_total",
			Help: "Number of auto-save runs by outcome.",
		}, []string{"outcome"})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					submitCounter = existing
				} else {
					submitCounterLock.Unlock()
					return nil, err
				}
			} else {
				submitCounterLock.Unlock()
				return nil, err
			}
		} else {
			submitCounter = counter
		}
	}
	submitCounterLock.Unlock()

	evalErrorCounterLock.Lock()
	if evalErrorCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formic_expression_error_total",
			Help: "Number of expression diagnostics by kind.",
		}, []string{"kind"})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					evalErrorCounter = existing
				} else {
					evalErrorCounterLock.Unlock()
					return nil, err
				}
			} else {
				evalErrorCounterLock.Unlock()
				return nil, err
			}
		} else {
			evalErrorCounter = counter
		}
	}
	evalErrorCounterLock.Unlock()

	pendingFieldsGaugeLock.Lock()
	if pendingFieldsGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formic_autosave_pending_fields",
			Help: "Number of fields waiting in the current debounce window.",
		})
		if err := reg.Register(gauge); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
					pendingFieldsGauge = existing
				} else {
					pendingFieldsGaugeLock.Unlock()
					return nil, err
				}
			} else {
				pendingFieldsGaugeLock.Unlock()
				return nil, err
			}
		} else {
			pendingFieldsGauge = gauge
		}
	}
	pendingFieldsGaugeLock.Unlock()

	return &PrometheusCollector{
		schemaReloads: schemaReloadCounter,
		submits:       submitCounter,
		evalErrors:    evalErrorCounter,
		pendingFields: pendingFieldsGauge,
	}, nil
}

// IncSchemaReload increments the counter for the provided schema file.
func (p *PrometheusCollector) IncSchemaReload(file string) {
	if p == nil || p.schemaReloads == nil {
		return
	}
	p.schemaReloads.WithLabelValues(file).Inc()
}

// IncSubmit records an auto-save run outcome.
func (p *PrometheusCollector) IncSubmit(outcome string) {
	if p == nil || p.submits == nil {
		return
	}
	p.submits.WithLabelValues(outcome).Inc()
}

// IncEvalError records an expression diagnostic of the given kind.
func (p *PrometheusCollector) IncEvalError(kind string) {
	if p == nil || p.evalErrors == nil {
		return
	}
	p.evalErrors.WithLabelValues(kind).Inc()
}

// SetPendingFields updates the gauge tracking the debounce backlog.
func (p *PrometheusCollector) SetPendingFields(count int) {
	if p == nil || p.pendingFields == nil {
		return
	}
	p.pendingFields.Set(float64(count))
}
