package strategy

import (
	"fmt"
	"sort"
	"sync"

	"tradeflow/internal/market"
)

// Candidate is a raw detector output before persistence and dedup.
// StopLoss/TakeProfit are advisory levels the fan-out may use instead of the
// bot's ATR-derived defaults.
type Candidate struct {
	Direction  string         `json:"direction"` // buy | sell
	Score      float64        `json:"score"`     // 0..1
	StopLoss   float64        `json:"stop_loss,omitempty"`
	TakeProfit float64        `json:"take_profit,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Detector inspects a candle window and optionally emits a Candidate.
// Implementations are pure and deterministic over the same window.
type Detector interface {
	ID() string
	// MinBars is the smallest window Detect can evaluate.
	MinBars() int
	// Detect returns (nil, nil) when no setup is present and an error
	// wrapping market.ErrDataUnavailable when the window is too short.
	Detect(symbol string, candles []market.Candle) (*Candidate, error)
}

// Registry maps strategy ids to detector implementations. Adding a strategy
// is registering an implementation, never branching on its name.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// DefaultRegistry returns a registry with every built-in detector registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(NewPinBarDetector(PinBarConfig{}))
	r.MustRegister(NewTrendPullbackDetector(TrendPullbackConfig{}))
	r.MustRegister(NewDojiBreakoutDetector(DojiBreakoutConfig{}))
	r.MustRegister(NewRangeReversionDetector(RangeReversionConfig{}))
	return r
}

func (r *Registry) Register(d Detector) error {
	if d == nil || d.ID() == "" {
		return fmt.Errorf("detector must have a non-empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.detectors[d.ID()]; exists {
		return fmt.Errorf("detector %q already registered", d.ID())
	}
	r.detectors[d.ID()] = d
	return nil
}

func (r *Registry) MustRegister(d Detector) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(id string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[id]
	return d, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.detectors))
	for id := range r.detectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func insufficientData(id string, got, need int) error {
	return fmt.Errorf("%s: %d of %d bars: %w", id, got, need, market.ErrDataUnavailable)
}

func clampScore(v, lo float64) float64 {
	if v < lo {
		return lo
	}
	if v > 1 {
		return 1
	}
	return v
}
