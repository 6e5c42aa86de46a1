package risk

// SizerConfig holds the position sizing bounds
type SizerConfig struct {
	BaseUSDT        float64 `json:"base_usdt"`
	MaxPositionUSDT float64 `json:"max_position_usdt"` // 0 disables the cap
	VolFloorPct     float64 `json:"vol_floor_pct"`
	VolCeilPct      float64 `json:"vol_ceil_pct"`
}

// DefaultSizerConfig returns the standard sizing parameters
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		BaseUSDT:        100,
		MaxPositionUSDT: 0,
		VolFloorPct:     0.5,
		VolCeilPct:      15.0,
	}
}

// SizeInputs are the per-signal quality readings the sizer blends
type SizeInputs struct {
	CompositeScore     float64 // [0, 1]
	Quality            float64 // [0, 1]
	RegimeSizeMult     float64
	VolatilityPct      float64
	CorrelationPenalty float64 // (0, 1]; 0 is treated as no penalty
}

// Sizer converts signal quality into a position size in USDT
type Sizer struct {
	cfg SizerConfig
}

func NewSizer(cfg SizerConfig) *Sizer {
	if cfg.VolCeilPct <= cfg.VolFloorPct {
		cfg.VolFloorPct = 0.5
		cfg.VolCeilPct = 15.0
	}
	return &Sizer{cfg: cfg}
}

// Multiplier blends four piecewise-linear factors, each living in
// [0.5, 1.5], and clamps the weighted blend back to the same band
func (s *Sizer) Multiplier(in SizeInputs) float64 {
	composite := 0.5 + clampUnit(in.CompositeScore)
	quality := 0.5 + clampUnit(in.Quality)
	regime := clampBand(in.RegimeSizeMult)
	vol := s.volFactor(in.VolatilityPct)
	return clampBand(0.4*composite + 0.3*quality + 0.2*regime + 0.1*vol)
}

// SizeUSDT returns the final position size and the adaptive multiplier.
// The regime multiplier enters the final product unclamped: a CRASH regime
// sizing down to 0.2x must not be lifted back to the factor band.
func (s *Sizer) SizeUSDT(in SizeInputs) (float64, float64) {
	mult := s.Multiplier(in)
	penalty := in.CorrelationPenalty
	if penalty <= 0 || penalty > 1 {
		penalty = 1
	}

	size := s.cfg.BaseUSDT * in.RegimeSizeMult * mult * penalty
	if s.cfg.MaxPositionUSDT > 0 && size > s.cfg.MaxPositionUSDT {
		size = s.cfg.MaxPositionUSDT
	}
	return size, mult
}

// volFactor maps realized volatility linearly from 1.5 at the floor down to
// 0.5 at the ceiling: calm markets size up, violent ones size down
func (s *Sizer) volFactor(volPct float64) float64 {
	floor, ceil := s.cfg.VolFloorPct, s.cfg.VolCeilPct
	if volPct <= floor {
		return 1.5
	}
	if volPct >= ceil {
		return 0.5
	}
	return 1.5 - (volPct-floor)/(ceil-floor)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampBand(v float64) float64 {
	if v < 0.5 {
		return 0.5
	}
	if v > 1.5 {
		return 1.5
	}
	return v
}
