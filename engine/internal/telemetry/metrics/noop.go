package metrics

type noopProvider struct{}

// NewNoopProvider returns a Provider whose instruments do nothing.
func NewNoopProvider() Provider { return noopProvider{} }

func (noopProvider) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }

type noopCounter struct{}

func (noopCounter) Inc(...string)          {}
func (noopCounter) Add(float64, ...string) {}

type noopGauge struct{}

func (noopGauge) Set(float64, ...string) {}

type noopHistogram struct{}

func (noopHistogram) Observe(float64, ...string) {}
