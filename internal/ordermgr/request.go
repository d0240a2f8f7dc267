package ordermgr

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// LegRequest describes one leg of an OCO pair.
type LegRequest struct {
	Type      domain.OrderType `json:"type" validate:"required,oneof=limit stop"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stop_price,omitempty"`
}

// PlaceRequest is a composite order request.
type PlaceRequest struct {
	Kind       domain.OrderKind       `json:"kind" validate:"omitempty,oneof=single oco iceberg twap vwap bracket"`
	Instrument domain.Instrument      `json:"instrument" validate:"required"`
	Side       domain.Side            `json:"side" validate:"required,oneof=buy sell"`
	Type       domain.OrderType       `json:"type" validate:"omitempty,oneof=market limit stop"`
	Quantity   decimal.Decimal        `json:"quantity" validate:"gt=0"`
	Price      *decimal.Decimal       `json:"price,omitempty"`
	StopPrice  *decimal.Decimal       `json:"stop_price,omitempty"`
	Strategy   domain.RoutingStrategy `json:"strategy,omitempty"`

	// OCO
	Legs []LegRequest `json:"legs,omitempty" validate:"omitempty,len=2,dive"`
	// Iceberg
	Visible decimal.Decimal `json:"visible" validate:"gte=0"`
	// TWAP / VWAP
	Slices   int               `json:"slices" validate:"gte=0,lte=1000"`
	Duration string            `json:"duration,omitempty"`
	Profile  []decimal.Decimal `json:"profile,omitempty"`
	// Bracket
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

func (r *PlaceRequest) normalize() {
	if r.Kind == "" {
		r.Kind = domain.KindSingle
	}
	if r.Type == "" {
		if r.Price != nil {
			r.Type = domain.OrderTypeLimit
		} else {
			r.Type = domain.OrderTypeMarket
		}
	}
}

// check enforces the per-kind rules the struct tags cannot express.
func (r PlaceRequest) check() error {
	var errs []string
	positive := func(name string, d *decimal.Decimal) {
		if d == nil || !d.IsPositive() {
			errs = append(errs, name+" must be positive")
		}
	}
	if r.Strategy != "" && !r.Strategy.Valid() {
		errs = append(errs, fmt.Sprintf("unknown strategy %q", r.Strategy))
	}
	switch r.Type {
	case domain.OrderTypeLimit:
		positive("price", r.Price)
	case domain.OrderTypeStop:
		positive("stop_price", r.StopPrice)
	}

	switch r.Kind {
	case domain.KindOCO:
		if len(r.Legs) != 2 {
			errs = append(errs, "oco needs exactly two legs")
		}
		for i, l := range r.Legs {
			switch l.Type {
			case domain.OrderTypeLimit:
				positive(fmt.Sprintf("legs[%d].price", i), l.Price)
			case domain.OrderTypeStop:
				positive(fmt.Sprintf("legs[%d].stop_price", i), l.StopPrice)
			}
		}
	case domain.KindIceberg:
		if !r.Visible.IsPositive() || r.Visible.GreaterThan(r.Quantity) {
			errs = append(errs, "visible must be in (0, quantity]")
		}
		if r.Type == domain.OrderTypeStop {
			errs = append(errs, "iceberg slices cannot be stop orders")
		}
	case domain.KindTWAP, domain.KindVWAP:
		if r.Slices < 1 {
			errs = append(errs, "slices must be at least 1")
		}
		if _, err := r.duration(); err != nil {
			errs = append(errs, err.Error())
		}
		if r.Kind == domain.KindVWAP && len(r.Profile) > 0 {
			for _, w := range r.Profile {
				if w.IsNegative() {
					errs = append(errs, "profile weights must be non-negative")
					break
				}
			}
		}
		if r.Type == domain.OrderTypeStop {
			errs = append(errs, "sliced orders cannot be stop orders")
		}
	case domain.KindBracket:
		positive("stop_loss", r.StopLoss)
		positive("take_profit", r.TakeProfit)
		if r.StopLoss != nil && r.TakeProfit != nil {
			// Exits sit on either side of the entry.
			if r.Side == domain.SideBuy && !r.StopLoss.LessThan(*r.TakeProfit) {
				errs = append(errs, "buy bracket needs stop_loss below take_profit")
			}
			if r.Side == domain.SideSell && !r.StopLoss.GreaterThan(*r.TakeProfit) {
				errs = append(errs, "sell bracket needs stop_loss above take_profit")
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidOrderSpec, strings.Join(errs, "; "))
	}
	return nil
}

func (r PlaceRequest) duration() (time.Duration, error) {
	if r.Duration == "" {
		return 0, fmt.Errorf("duration is required")
	}
	d, err := time.ParseDuration(r.Duration)
	if err != nil {
		return 0, fmt.Errorf("duration: %v", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}
