package risk

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// VaRMethod names a value-at-risk methodology.
type VaRMethod string

const (
	VaRHistorical VaRMethod = "historical"
	VaRParametric VaRMethod = "parametric"
	VaRMonteCarlo VaRMethod = "monte_carlo"
)

// VaRResult is a one-period loss estimate. Percent and ExpectedShortfall are
// fractions of equity; Amount is Percent × equity.
type VaRResult struct {
	Method            VaRMethod `json:"method"`
	Confidence        float64   `json:"confidence"`
	Percent           float64   `json:"percent"`
	Amount            float64   `json:"amount"`
	ExpectedShortfall float64   `json:"expected_shortfall"`
}

// VaRComparison holds all three estimates on the same series.
type VaRComparison struct {
	Historical VaRResult `json:"historical"`
	Parametric VaRResult `json:"parametric"`
	MonteCarlo VaRResult `json:"monte_carlo"`
	// Spread is the largest minus the smallest Percent.
	Spread       float64 `json:"spread"`
	Observations int     `json:"observations"`
}

const minObservations = 2

func checkInputs(returns []float64, confidence float64) error {
	if len(returns) < minObservations {
		return fmt.Errorf("risk: var needs at least %d returns, got %d: %w", minObservations, len(returns), ErrInsufficientData)
	}
	if confidence <= 0 || confidence >= 1 {
		return fmt.Errorf("risk: confidence %v outside (0, 1): %w", confidence, ErrInsufficientData)
	}
	return nil
}

// HistoricalVaR takes the empirical (1-confidence) quantile of returns.
func HistoricalVaR(returns []float64, confidence, equity float64) (VaRResult, error) {
	if err := checkInputs(returns, confidence); err != nil {
		return VaRResult{}, err
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	return empirical(VaRHistorical, sorted, confidence, equity), nil
}

// empirical computes VaR and expected shortfall from sorted returns.
func empirical(method VaRMethod, sorted []float64, confidence, equity float64) VaRResult {
	q := stat.Quantile(1-confidence, stat.Empirical, sorted, nil)
	var tail float64
	n := 0
	for _, r := range sorted {
		if r > q {
			break
		}
		tail += r
		n++
	}
	es := -q
	if n > 0 {
		es = -tail / float64(n)
	}
	pct := math.Max(0, -q)
	return VaRResult{
		Method:            method,
		Confidence:        confidence,
		Percent:           pct,
		Amount:            pct * equity,
		ExpectedShortfall: math.Max(0, es),
	}
}

// ParametricVaR assumes normal returns: z×σ − μ.
func ParametricVaR(returns []float64, confidence, equity float64) (VaRResult, error) {
	if err := checkInputs(returns, confidence); err != nil {
		return VaRResult{}, err
	}
	mu, sigma := stat.MeanStdDev(returns, nil)
	z := distuv.UnitNormal.Quantile(confidence)
	pct := math.Max(0, z*sigma-mu)
	// Normal tail mean: σφ(z)/(1-c) − μ.
	es := sigma*distuv.UnitNormal.Prob(z)/(1-confidence) - mu
	return VaRResult{
		Method:            VaRParametric,
		Confidence:        confidence,
		Percent:           pct,
		Amount:            pct * equity,
		ExpectedShortfall: math.Max(0, es),
	}, nil
}

// MonteCarloVaR simulates paths draws from a normal with the sample mean and
// volatility and takes their empirical quantile. The same seed gives the same
// result.
func MonteCarloVaR(returns []float64, confidence, equity float64, paths int, seed uint64) (VaRResult, error) {
	if err := checkInputs(returns, confidence); err != nil {
		return VaRResult{}, err
	}
	if paths < minObservations {
		return VaRResult{}, fmt.Errorf("risk: monte carlo needs at least %d paths: %w", minObservations, ErrInsufficientData)
	}
	mu, sigma := stat.MeanStdDev(returns, nil)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	sim := make([]float64, paths)
	for i := range sim {
		sim[i] = mu + sigma*rng.NormFloat64()
	}
	sort.Float64s(sim)
	return empirical(VaRMonteCarlo, sim, confidence, equity), nil
}

// CompareVaR runs all three methods on the same returns.
func CompareVaR(returns []float64, confidence, equity float64, paths int, seed uint64) (VaRComparison, error) {
	h, err := HistoricalVaR(returns, confidence, equity)
	if err != nil {
		return VaRComparison{}, err
	}
	p, err := ParametricVaR(returns, confidence, equity)
	if err != nil {
		return VaRComparison{}, err
	}
	mc, err := MonteCarloVaR(returns, confidence, equity, paths, seed)
	if err != nil {
		return VaRComparison{}, err
	}
	lo := math.Min(h.Percent, math.Min(p.Percent, mc.Percent))
	hi := math.Max(h.Percent, math.Max(p.Percent, mc.Percent))
	return VaRComparison{
		Historical:   h,
		Parametric:   p,
		MonteCarlo:   mc,
		Spread:       hi - lo,
		Observations: len(returns),
	}, nil
}
