package pattern

import (
	"futures-signal-engine/internal/market"
)

// Registry runs the detector family in a fixed order. In first-match mode
// the first firing detector wins; in select-best mode every detector runs
// and the highest RawScore wins.
type Registry struct {
	detectors  []Detector
	selectBest bool
}

// NewRegistry builds the standard detector family
func NewRegistry(selectBest bool) *Registry {
	return &Registry{
		detectors: []Detector{
			emaCrossClassic{},
			emaCrossFast{},
			emaCrossConfluence{},
			breakoutDetector{},
			meanRevertDetector{},
		},
		selectBest: selectBest,
	}
}

// Detect builds the indicator frame and runs the family. A nil candidate
// with nil error means no pattern fired.
func (r *Registry) Detect(symbol string, candles []market.Candle) (*Candidate, error) {
	f, err := NewFrame(symbol, candles)
	if err != nil {
		return nil, err
	}
	return r.Run(f), nil
}

// Run evaluates the family against a prepared frame
func (r *Registry) Run(f *Frame) *Candidate {
	var best *Candidate
	for _, d := range r.detectors {
		c := d.Detect(f)
		if c == nil {
			continue
		}
		if !r.selectBest {
			return c
		}
		if best == nil || c.RawScore > best.RawScore {
			best = c
		}
	}
	return best
}

// Types lists the registered detectors in evaluation order
func (r *Registry) Types() []PatternType {
	out := make([]PatternType, 0, len(r.detectors))
	for _, d := range r.detectors {
		out = append(out, d.Type())
	}
	return out
}
