package promutil

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const systemOwner = "system"

// NOTICE: we don't use prometheus.DefaultRegistry so that metrics of a
// closed job master can be dropped as a whole.
var globalMetricRegistry = NewRegistry()

func init() {
	globalMetricRegistry.MustRegister(systemOwner, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	globalMetricRegistry.MustRegister(systemOwner, collectors.NewGoCollector())
}

// GlobalRegistry returns the process-level Registry.
func GlobalRegistry() *Registry {
	return globalMetricRegistry
}

// Registry is used for registering metrics
type Registry struct {
	sync.Mutex
	*prometheus.Registry

	// collectorByOwner is for cleaning all collectors of a job master
	// when it is closed
	collectorByOwner map[string][]prometheus.Collector
}

// NewRegistry creates a Registry
func NewRegistry() *Registry {
	return &Registry{
		Registry:         prometheus.NewRegistry(),
		collectorByOwner: make(map[string][]prometheus.Collector),
	}
}

// MustRegister registers the provided Collector on behalf of owner
func (r *Registry) MustRegister(owner string, c prometheus.Collector) {
	if c == nil {
		return
	}
	r.Lock()
	defer r.Unlock()

	r.Registry.MustRegister(c)
	r.collectorByOwner[owner] = append(r.collectorByOwner[owner], c)
}

// Unregister unregisters all Collectors of owner
func (r *Registry) Unregister(owner string) {
	r.Lock()
	defer r.Unlock()

	for _, collector := range r.collectorByOwner[owner] {
		r.Registry.Unregister(collector)
	}
	delete(r.collectorByOwner, owner)
}

// Gather implements Gatherer interface
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	r.Lock()
	defer r.Unlock()

	return r.Registry.Gather()
}

// HTTPHandlerForMetric returns the http.Handler serving the metrics of r
func HTTPHandlerForMetric(r *Registry) http.Handler {
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{})
}
