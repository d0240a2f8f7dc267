package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// QuoteCache implements domain.QuoteCache with one hash per instrument at
// "<ns>:quote:<instrument>" holding the unified best bid and ask.
type QuoteCache struct {
	c   *Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. Entries expire after ttl so readers
// never see a top of book that outlived its refresher; zero disables
// expiry.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{c: c, ttl: ttl}
}

// SetTop stores the unified top of book for instrument.
func (qc *QuoteCache) SetTop(ctx context.Context, instrument domain.Instrument, bid, ask domain.MergedLevel, ts time.Time) error {
	key := qc.c.Key("quote", string(instrument))
	fields := encodeTop(bid, ask, ts)
	pipe := qc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if qc.ttl > 0 {
		pipe.PExpire(ctx, key, qc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set top %s: %w", instrument, err)
	}
	return nil
}

// GetTop returns the cached top of book or domain.ErrNotFound.
func (qc *QuoteCache) GetTop(ctx context.Context, instrument domain.Instrument) (domain.MergedLevel, domain.MergedLevel, time.Time, error) {
	vals, err := qc.c.rdb.HGetAll(ctx, qc.c.Key("quote", string(instrument))).Result()
	if err != nil {
		return domain.MergedLevel{}, domain.MergedLevel{}, time.Time{}, fmt.Errorf("redis: get top %s: %w", instrument, err)
	}
	if len(vals) == 0 {
		return domain.MergedLevel{}, domain.MergedLevel{}, time.Time{}, domain.ErrNotFound
	}
	bid, ask, ts, err := decodeTop(vals)
	if err != nil {
		return domain.MergedLevel{}, domain.MergedLevel{}, time.Time{}, fmt.Errorf("redis: decode top %s: %w", instrument, err)
	}
	return bid, ask, ts, nil
}

func encodeTop(bid, ask domain.MergedLevel, ts time.Time) map[string]any {
	return map[string]any{
		"bid_px":    bid.Price.String(),
		"bid_sz":    bid.Size.String(),
		"bid_venue": string(bid.Venue),
		"ask_px":    ask.Price.String(),
		"ask_sz":    ask.Size.String(),
		"ask_venue": string(ask.Venue),
		"ts":        strconv.FormatInt(ts.UnixNano(), 10),
	}
}

func decodeTop(vals map[string]string) (bid, ask domain.MergedLevel, ts time.Time, err error) {
	parse := func(field string) decimal.Decimal {
		if err != nil {
			return decimal.Zero
		}
		var d decimal.Decimal
		d, err = decimal.NewFromString(vals[field])
		if err != nil {
			err = fmt.Errorf("field %s: %w", field, err)
		}
		return d
	}
	bid = domain.MergedLevel{Price: parse("bid_px"), Size: parse("bid_sz"), Venue: domain.VenueID(vals["bid_venue"])}
	ask = domain.MergedLevel{Price: parse("ask_px"), Size: parse("ask_sz"), Venue: domain.VenueID(vals["ask_venue"])}
	if err != nil {
		return
	}
	nanos, perr := strconv.ParseInt(vals["ts"], 10, 64)
	if perr != nil {
		err = fmt.Errorf("field ts: %w", perr)
		return
	}
	ts = time.Unix(0, nanos).UTC()
	return
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
