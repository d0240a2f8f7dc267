package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// OrderStore implements domain.OrderStore. Decimals travel as text so no
// precision is lost to float conversion.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Save upserts o by id.
func (s *OrderStore) Save(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, parent_id, instrument, side, order_type, kind, leg,
			quantity, filled_quantity, avg_fill_price, price, stop_price,
			status, venue, venue_order_id, strategy, degraded, reason,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric, $12::numeric,
			$13, $14, $15, $16, $17, $18,
			$19, $20
		)
		ON CONFLICT (id) DO UPDATE SET
			filled_quantity = EXCLUDED.filled_quantity,
			avg_fill_price  = EXCLUDED.avg_fill_price,
			price           = EXCLUDED.price,
			stop_price      = EXCLUDED.stop_price,
			status          = EXCLUDED.status,
			venue           = EXCLUDED.venue,
			venue_order_id  = EXCLUDED.venue_order_id,
			degraded        = EXCLUDED.degraded,
			reason          = EXCLUDED.reason,
			updated_at      = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ParentID, string(o.Instrument), string(o.Side), string(o.Type), string(o.Kind), string(o.Leg),
		o.Quantity.String(), o.FilledQuantity.String(), o.AvgFillPrice.String(),
		optionalDecimal(o.Price), optionalDecimal(o.StopPrice),
		string(o.Status), string(o.Venue), o.VenueOrderID, string(o.Strategy), o.Degraded, o.Reason,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.ID, err)
	}
	return nil
}

const orderSelectCols = `id, parent_id, instrument, side, order_type, kind, leg,
	quantity::text, filled_quantity::text, avg_fill_price::text, price::text, stop_price::text,
	status, venue, venue_order_id, strategy, degraded, reason, created_at, updated_at`

// GetByID returns the order or domain.ErrNotFound.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("postgres: order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// List returns matching orders newest first.
func (s *OrderStore) List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	w := orderWhere(f)
	query := `SELECT ` + orderSelectCols + ` FROM orders` + w.String() +
		` ORDER BY created_at DESC, id` + w.page(f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return out, nil
}

func orderWhere(f domain.OrderFilter) *where {
	w := &where{}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.Instrument != "" {
		w.add("instrument = $%d", string(f.Instrument))
	}
	if f.Venue != "" {
		w.add("venue = $%d", string(f.Venue))
	}
	if f.ParentID != "" {
		w.add("parent_id = $%d", f.ParentID)
	}
	if f.OpenOnly {
		w.raw(fmt.Sprintf("status NOT IN ('%s', '%s', '%s')",
			domain.OrderStatusFilled, domain.OrderStatusCancelled, domain.OrderStatusRejected))
	}
	return w
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                                domain.Order
		instrument, side, typ, kind, leg string
		status, venue, strategy          string
		qty, filled, avg                 string
		price, stop                      *string
	)
	err := row.Scan(
		&o.ID, &o.ParentID, &instrument, &side, &typ, &kind, &leg,
		&qty, &filled, &avg, &price, &stop,
		&status, &venue, &o.VenueOrderID, &strategy, &o.Degraded, &o.Reason,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Instrument = domain.Instrument(instrument)
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Kind = domain.OrderKind(kind)
	o.Leg = domain.Leg(leg)
	o.Status = domain.OrderStatus(status)
	o.Venue = domain.VenueID(venue)
	o.Strategy = domain.RoutingStrategy(strategy)

	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return domain.Order{}, fmt.Errorf("quantity: %w", err)
	}
	if o.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
		return domain.Order{}, fmt.Errorf("filled_quantity: %w", err)
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avg); err != nil {
		return domain.Order{}, fmt.Errorf("avg_fill_price: %w", err)
	}
	if o.Price, err = parseOptionalDecimal(price); err != nil {
		return domain.Order{}, fmt.Errorf("price: %w", err)
	}
	if o.StopPrice, err = parseOptionalDecimal(stop); err != nil {
		return domain.Order{}, fmt.Errorf("stop_price: %w", err)
	}
	return o, nil
}

func optionalDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
