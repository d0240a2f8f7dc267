// Package risk computes position sizes, value at risk, drawdown protection
// and correlation limits, and gates new orders on the latest snapshot.
package risk

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientData is returned when a calculation has too few inputs.
var ErrInsufficientData = errors.New("risk: insufficient data")

// SizingMethod names a position sizing model.
type SizingMethod string

const (
	SizingFixedFraction SizingMethod = "fixed_fraction"
	SizingKelly         SizingMethod = "kelly"
	SizingVolatility    SizingMethod = "volatility"
	SizingRiskParity    SizingMethod = "risk_parity"
)

// SizingRequest carries the inputs of every sizing model; each method reads
// only the fields it needs.
type SizingRequest struct {
	Method SizingMethod `json:"method" validate:"required,oneof=fixed_fraction kelly volatility risk_parity"`
	Equity float64      `json:"equity" validate:"gte=0"`

	// fixed_fraction
	RiskPercent float64 `json:"risk_percent" validate:"gte=0,lte=1"`
	EntryPrice  float64 `json:"entry_price" validate:"gte=0"`
	StopPrice   float64 `json:"stop_price" validate:"gte=0"`

	// kelly, from model-provided signals
	WinRate float64 `json:"win_rate" validate:"gte=0,lte=1"`
	AvgWin  float64 `json:"avg_win" validate:"gte=0"`
	AvgLoss float64 `json:"avg_loss" validate:"gte=0"`

	// volatility
	TargetVol float64 `json:"target_vol" validate:"gte=0"`
	AssetVol  float64 `json:"asset_vol" validate:"gte=0"`
	Price     float64 `json:"price" validate:"gte=0"`

	// risk_parity
	Volatilities []float64 `json:"volatilities,omitempty"`
}

// SizingResult is the scaled output of a sizing model.
type SizingResult struct {
	Method SizingMethod `json:"method"`
	// Fraction is the Kelly fraction after the cap, before scaling.
	Fraction float64 `json:"fraction,omitempty"`
	// RawFraction is the uncapped Kelly fraction.
	RawFraction float64   `json:"raw_fraction,omitempty"`
	Quantity    float64   `json:"quantity,omitempty"`
	Weights     []float64 `json:"weights,omitempty"`
	Scaling     float64   `json:"scaling"`
}

// FixedFraction risks riskPct of equity over the distance to the stop.
func FixedFraction(equity, riskPct, entry, stop float64) (float64, error) {
	dist := math.Abs(entry - stop)
	if dist == 0 {
		return 0, fmt.Errorf("risk: fixed fraction: stop equals entry: %w", ErrInsufficientData)
	}
	return riskPct * equity / dist, nil
}

// Kelly returns the raw Kelly fraction and the fraction clamped to
// [0, maxKelly].
func Kelly(winRate, avgWin, avgLoss, maxKelly float64) (raw, capped float64, err error) {
	if avgWin <= 0 || avgLoss <= 0 {
		return 0, 0, fmt.Errorf("risk: kelly: avg win and loss must be positive: %w", ErrInsufficientData)
	}
	raw = winRate - (1-winRate)/(avgWin/avgLoss)
	capped = math.Max(0, math.Min(raw, maxKelly))
	return raw, capped, nil
}

// VolatilityTarget sizes a position so its volatility matches targetVol.
func VolatilityTarget(equity, price, targetVol, assetVol float64) (float64, error) {
	if assetVol <= 0 || price <= 0 {
		return 0, fmt.Errorf("risk: volatility target: price and volatility must be positive: %w", ErrInsufficientData)
	}
	return targetVol / assetVol * equity / price, nil
}

// RiskParity weights each position inversely to its volatility so every
// position contributes the same risk. Weights sum to one.
func RiskParity(vols []float64) ([]float64, error) {
	if len(vols) == 0 {
		return nil, fmt.Errorf("risk: risk parity: no volatilities: %w", ErrInsufficientData)
	}
	out := make([]float64, len(vols))
	var sum float64
	for i, v := range vols {
		if v <= 0 {
			return nil, fmt.Errorf("risk: risk parity: volatility %d must be positive: %w", i, ErrInsufficientData)
		}
		out[i] = 1 / v
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// size runs req's model and applies the drawdown scaling factor.
func size(req SizingRequest, maxKelly, scaling float64) (SizingResult, error) {
	res := SizingResult{Method: req.Method, Scaling: scaling}
	switch req.Method {
	case SizingFixedFraction:
		q, err := FixedFraction(req.Equity, req.RiskPercent, req.EntryPrice, req.StopPrice)
		if err != nil {
			return res, err
		}
		res.Quantity = q * scaling
	case SizingKelly:
		raw, capped, err := Kelly(req.WinRate, req.AvgWin, req.AvgLoss, maxKelly)
		if err != nil {
			return res, err
		}
		res.RawFraction = raw
		res.Fraction = capped
		if req.Price > 0 {
			res.Quantity = capped * scaling * req.Equity / req.Price
		}
	case SizingVolatility:
		q, err := VolatilityTarget(req.Equity, req.Price, req.TargetVol, req.AssetVol)
		if err != nil {
			return res, err
		}
		res.Quantity = q * scaling
	case SizingRiskParity:
		w, err := RiskParity(req.Volatilities)
		if err != nil {
			return res, err
		}
		for i := range w {
			w[i] *= scaling
		}
		res.Weights = w
	default:
		return res, fmt.Errorf("risk: unknown sizing method %q: %w", req.Method, ErrInsufficientData)
	}
	return res, nil
}
