package gate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Config sizes the gates of a Set.
type Config struct {
	// Global caps all fetches together; zero disables the global gate.
	Global int
	// Classes maps a fetch class to its default capacity.
	Classes map[harvest.FetchClass]int
	// SourceOverrides maps class -> source -> capacity. A source listed
	// here gets a gate of its own instead of sharing the class gate.
	SourceOverrides map[harvest.FetchClass]map[string]int
}

// Set owns the process-wide gates. Gates are created lazily on first use.
type Set struct {
	cfg    Config
	global *Gate

	mu    sync.Mutex
	gates map[string]*Gate

	inFlightDesc *prometheus.Desc
	peakDesc     *prometheus.Desc
	capDesc      *prometheus.Desc
}

// NewSet validates cfg and returns a Set.
func NewSet(cfg Config) (*Set, error) {
	s := &Set{
		cfg:   cfg,
		gates: make(map[string]*Gate),
		inFlightDesc: prometheus.NewDesc("harvester_gate_in_flight",
			"Fetches currently holding the gate.", []string{"gate"}, nil),
		peakDesc: prometheus.NewDesc("harvester_gate_peak_in_flight",
			"Highest simultaneous holders observed.", []string{"gate"}, nil),
		capDesc: prometheus.NewDesc("harvester_gate_capacity",
			"Configured gate capacity.", []string{"gate"}, nil),
	}
	if cfg.Global > 0 {
		g, err := New("global", cfg.Global)
		if err != nil {
			return nil, err
		}
		s.global = g
	}
	for class, capacity := range cfg.Classes {
		if capacity <= 0 {
			return nil, fmt.Errorf("gate %s: capacity must be > 0, got %d", class, capacity)
		}
	}
	return s, nil
}

// Acquire takes the gate for class (or its per-source override) and then the
// global gate. Always acquiring in that order keeps holders deadlock free.
func (s *Set) Acquire(ctx context.Context, class harvest.FetchClass, source string) (func(), error) {
	g, err := s.For(class, source)
	if err != nil {
		return func() {}, err
	}
	releaseClass, err := g.Acquire(ctx)
	if err != nil {
		return releaseClass, err
	}
	if s.global == nil {
		return releaseClass, nil
	}
	releaseGlobal, err := s.global.Acquire(ctx)
	if err != nil {
		releaseClass()
		return func() {}, err
	}
	return func() {
		releaseGlobal()
		releaseClass()
	}, nil
}

// For returns the gate guarding class for source.
func (s *Set) For(class harvest.FetchClass, source string) (*Gate, error) {
	key := string(class)
	capacity, ok := s.cfg.Classes[class]
	if override, found := s.cfg.SourceOverrides[class][source]; found && override > 0 {
		key = string(class) + ":" + source
		capacity, ok = override, true
	}
	if !ok {
		return nil, fmt.Errorf("no gate configured for class %q", class)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, exists := s.gates[key]; exists {
		return g, nil
	}
	g, err := New(key, capacity)
	if err != nil {
		return nil, err
	}
	s.gates[key] = g
	return g, nil
}

// Gates returns every gate created so far, global first.
func (s *Set) Gates() []*Gate {
	s.mu.Lock()
	out := make([]*Gate, 0, len(s.gates)+1)
	for _, g := range s.gates {
		out = append(out, g)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	if s.global != nil {
		out = append([]*Gate{s.global}, out...)
	}
	return out
}

// Describe implements prometheus.Collector.
func (s *Set) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.inFlightDesc
	ch <- s.peakDesc
	ch <- s.capDesc
}

// Collect implements prometheus.Collector.
func (s *Set) Collect(ch chan<- prometheus.Metric) {
	for _, g := range s.Gates() {
		ch <- prometheus.MustNewConstMetric(s.inFlightDesc, prometheus.GaugeValue, float64(g.InFlight()), g.name)
		ch <- prometheus.MustNewConstMetric(s.peakDesc, prometheus.GaugeValue, float64(g.Peak()), g.name)
		ch <- prometheus.MustNewConstMetric(s.capDesc, prometheus.GaugeValue, float64(g.Capacity()), g.name)
	}
}
