package promutil

import "github.com/prometheus/client_golang/prometheus"

// Routine to get a Factory:
// 1. The process maintains a Registry singleton, which is served by HTTPHandlerForMetric.
// 2. Each job master gets a Factory by NewFactory4JobMaster, which attaches the job id
// as a const label to every metric it creates.
// 3. When the job master is closed, Registry.Unregister drops all collectors it created.

// Factory creates native prometheus metrics and registers them with a Registry.
type Factory interface {
	// NewCounter works like the function of the same name in the prometheus
	// package, but it automatically registers the Counter with the Factory's
	// Registry. Panic if it can't register successfully.
	NewCounter(opts prometheus.CounterOpts) prometheus.Counter

	// NewCounterVec works like the function of the same name in the
	// prometheus package, but it automatically registers the CounterVec.
	NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec

	// NewGauge works like the function of the same name in the prometheus
	// package, but it automatically registers the Gauge.
	NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge

	// NewHistogram works like the function of the same name in the prometheus
	// package, but it automatically registers the Histogram.
	NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram
}

const (
	namespacePrefix = "jobcoord"

	// constLabelJobKey is used to recognize metrics of the same job
	constLabelJobKey = "job_id"
)

type wrappingFactory struct {
	r *Registry
	// owner identifies the job master the factory belongs to.
	// It's used to unregister all collectors when the job master is closed.
	owner string
	// prefix is added to the metric namespace, $prefix_$namespace_$subsystem_$name
	prefix      string
	constLabels prometheus.Labels
}

// NewFactory4JobMaster returns a Factory producing metrics labelled with jobID.
func NewFactory4JobMaster(r *Registry, jobID string) Factory {
	return &wrappingFactory{
		r:      r,
		owner:  jobID,
		prefix: namespacePrefix,
		constLabels: prometheus.Labels{
			constLabelJobKey: jobID,
		},
	}
}

func (f *wrappingFactory) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace, opts.ConstLabels = f.wrap(opts.Namespace, opts.ConstLabels)
	c := prometheus.NewCounter(opts)
	f.r.MustRegister(f.owner, c)
	return c
}

func (f *wrappingFactory) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace, opts.ConstLabels = f.wrap(opts.Namespace, opts.ConstLabels)
	c := prometheus.NewCounterVec(opts, labelNames)
	f.r.MustRegister(f.owner, c)
	return c
}

func (f *wrappingFactory) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace, opts.ConstLabels = f.wrap(opts.Namespace, opts.ConstLabels)
	c := prometheus.NewGauge(opts)
	f.r.MustRegister(f.owner, c)
	return c
}

func (f *wrappingFactory) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace, opts.ConstLabels = f.wrap(opts.Namespace, opts.ConstLabels)
	c := prometheus.NewHistogram(opts)
	f.r.MustRegister(f.owner, c)
	return c
}

func (f *wrappingFactory) wrap(namespace string, labels prometheus.Labels) (string, prometheus.Labels) {
	return wrapNamespace(f.prefix, namespace), mergeLabels(f.constLabels, labels)
}

func wrapNamespace(prefix, namespace string) string {
	switch {
	case prefix == "":
		return namespace
	case namespace == "":
		return prefix
	default:
		return prefix + "_" + namespace
	}
}

func mergeLabels(constLabels, labels prometheus.Labels) prometheus.Labels {
	ret := make(prometheus.Labels, len(constLabels)+len(labels))
	for name, value := range labels {
		ret[name] = value
	}
	for name, value := range constLabels {
		if _, exists := ret[name]; exists {
			panic("duplicate label name")
		}
		ret[name] = value
	}
	return ret
}
