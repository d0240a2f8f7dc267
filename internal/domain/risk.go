package domain

import "time"

// RiskLimits bounds portfolio risk. Updated only through the admin API.
type RiskLimits struct {
	MaxPortfolioDrawdown float64 `json:"max_portfolio_drawdown" toml:"max_portfolio_drawdown" validate:"gt=0,lt=1"`
	MaxPositionSize      float64 `json:"max_position_size" toml:"max_position_size" validate:"gt=0"`
	MaxSectorExposure    float64 `json:"max_sector_exposure" toml:"max_sector_exposure" validate:"gt=0,lte=1"`
	MaxCorrelation       float64 `json:"max_correlation" toml:"max_correlation" validate:"gt=0,lte=1"`
	MaxAvgCorrelation    float64 `json:"max_avg_correlation" toml:"max_avg_correlation" validate:"gt=0,lte=1"`
	MaxVaR               float64 `json:"max_var" toml:"max_var" validate:"gt=0,lt=1"`
	MaxLeverage          float64 `json:"max_leverage" toml:"max_leverage" validate:"gt=0"`
	MaxKelly             float64 `json:"max_kelly" toml:"max_kelly" validate:"gt=0,lte=1"`
}

// BreachKind names the limit that was exceeded.
type BreachKind string

const (
	BreachDrawdown       BreachKind = "drawdown"
	BreachVaR            BreachKind = "var"
	BreachCorrelation    BreachKind = "max_correlation"
	BreachAvgCorrelation BreachKind = "avg_correlation"
	BreachLeverage       BreachKind = "leverage"
	BreachPositionSize   BreachKind = "position_size"
	BreachSectorExposure BreachKind = "sector_exposure"
)

// Breach is a single exceeded limit. Blocking breaches stop new orders.
type Breach struct {
	Kind       BreachKind `json:"kind"`
	Instrument Instrument `json:"instrument,omitempty"`
	Value      float64    `json:"value"`
	Limit      float64    `json:"limit"`
	Blocking   bool       `json:"blocking"`
}

// RiskSnapshot is the output of one risk evaluation cycle.
type RiskSnapshot struct {
	ID                string                 `json:"id"`
	Timestamp         time.Time              `json:"timestamp"`
	Equity            float64                `json:"equity"`
	GrossExposure     float64                `json:"gross_exposure"`
	Leverage          float64                `json:"leverage"`
	VaRAmount         float64                `json:"var_amount"`
	VaRPercent        float64                `json:"var_percent"`
	ExpectedShortfall float64                `json:"expected_shortfall"`
	CurrentDrawdown   float64                `json:"current_drawdown"`
	ScalingFactor     float64                `json:"scaling_factor"`
	Instruments       []Instrument           `json:"instruments"`
	CorrelationMatrix [][]float64            `json:"correlation_matrix"`
	Exposures         map[Instrument]float64 `json:"exposures,omitempty"`
	Breaches          []Breach               `json:"breaches"`
}

// Blocking returns the breaches that block new orders.
func (s RiskSnapshot) Blocking() []Breach {
	var out []Breach
	for _, b := range s.Breaches {
		if b.Blocking {
			out = append(out, b)
		}
	}
	return out
}

// Stale reports whether the snapshot is older than maxAge at now.
func (s RiskSnapshot) Stale(now time.Time, maxAge time.Duration) bool {
	return s.Timestamp.IsZero() || now.Sub(s.Timestamp) > maxAge
}

// Clone returns a deep copy so readers never share slices with the engine.
func (s RiskSnapshot) Clone() RiskSnapshot {
	out := s
	out.Instruments = append([]Instrument(nil), s.Instruments...)
	out.Breaches = append([]Breach(nil), s.Breaches...)
	if s.CorrelationMatrix != nil {
		out.CorrelationMatrix = make([][]float64, len(s.CorrelationMatrix))
		for i, row := range s.CorrelationMatrix {
			out.CorrelationMatrix[i] = append([]float64(nil), row...)
		}
	}
	if s.Exposures != nil {
		out.Exposures = make(map[Instrument]float64, len(s.Exposures))
		for k, v := range s.Exposures {
			out.Exposures[k] = v
		}
	}
	return out
}
