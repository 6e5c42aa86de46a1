package gates

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/ports"
)

// Pipeline runs every candidate through the twelve admission gates in a fixed
// order and short-circuits on the first block. Each run yields a full stage
// trace regardless of outcome.
type Pipeline struct {
	cfg     Config
	gates   []Gate
	checker RiskChecker
	logger  zerolog.Logger
}

// NewPipeline wires the gate chain. checker may be nil, which disables the
// correlation and duplicate gates (they pass unconditionally).
func NewPipeline(cfg Config, checker RiskChecker, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		checker: checker,
		logger:  logger,
		gates: []Gate{
			validationGate{cfg},
			aiScoreGate{cfg},
			anomalyGate{cfg},
			volumeGate{cfg},
			volatilityGate{cfg},
			emaPatternGate{cfg},
			btcFilterGate{cfg},
			directionGate{cfg},
			qualityGate{cfg},
			mtfGate{cfg},
			correlationGate{cfg, checker},
			duplicateGate{cfg, checker},
		},
	}
}

// StageNames returns the gate names in evaluation order
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.gates))
	for i, g := range p.gates {
		names[i] = g.Name()
	}
	return names
}

// Run evaluates the candidate against every gate until one blocks. The
// returned trace records each evaluated stage; ok reports whether the
// candidate cleared the full chain. CorrelationPenalty starts at 1.0 and is
// only lowered by the correlation gate.
func (p *Pipeline) Run(ctx context.Context, c *Context) (ports.SymbolTrace, bool) {
	trace := ports.SymbolTrace{
		Symbol:  c.Symbol,
		UserID:  c.UserID,
		CandleT: c.Candidate.CandleT,
	}
	c.CorrelationPenalty = 1.0

	start := time.Now()
	for _, g := range p.gates {
		res := g.Evaluate(ctx, c)
		trace.Stages = append(trace.Stages, ports.StageResult{
			Stage:   g.Name(),
			Passed:  res.Passed,
			Reason:  res.Reason,
			Metrics: res.Metrics,
		})
		if !res.Passed {
			trace.Outcome = "BLOCKED:" + g.Name()
			p.logger.Debug().
				Str("symbol", c.Symbol).
				Str("user_id", c.UserID).
				Str("stage", g.Name()).
				Str("reason", res.Reason).
				Dur("elapsed", time.Since(start)).
				Msg("candidate blocked")
			return trace, false
		}
	}

	trace.Outcome = "PASSED"
	p.logger.Debug().
		Str("symbol", c.Symbol).
		Str("user_id", c.UserID).
		Float64("quality", c.QualityScore).
		Float64("penalty", c.CorrelationPenalty).
		Dur("elapsed", time.Since(start)).
		Msg("candidate cleared all gates")
	return trace, true
}
