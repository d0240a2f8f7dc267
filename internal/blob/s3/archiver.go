package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// Archiver copies risk snapshot and audit history written since the previous
// run to object storage as JSONL. Records stay in the primary store.
type Archiver struct {
	writer domain.BlobWriter
	snaps  domain.RiskSnapshotStore
	audit  domain.AuditStore
	prefix string
	logger *slog.Logger

	mu        sync.Mutex
	watermark time.Time

	now func() time.Time
}

// ArchiveResult reports one run.
type ArchiveResult struct {
	From      time.Time
	To        time.Time
	Snapshots int
	Audit     int
	Paths     []string
}

// NewArchiver creates an Archiver that writes under prefix (default
// "archive"). The first run covers everything recorded before it.
func NewArchiver(writer domain.BlobWriter, snaps domain.RiskSnapshotStore, audit domain.AuditStore, prefix string, logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{
		writer: writer,
		snaps:  snaps,
		audit:  audit,
		prefix: prefix,
		logger: logger.With(slog.String("component", "archiver")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run archives on every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	a.logger.Info("archiver started", slog.Duration("interval", interval))
	defer a.logger.Info("archiver stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := a.ArchiveOnce(ctx)
			if err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
				continue
			}
			if res.Snapshots > 0 || res.Audit > 0 {
				a.logger.Info("archive run complete",
					slog.Int("snapshots", res.Snapshots),
					slog.Int("audit", res.Audit),
				)
			}
		}
	}
}

// ArchiveOnce uploads records in [watermark, now). The watermark only
// advances when every upload succeeded, so a failed run is retried whole.
func (a *Archiver) ArchiveOnce(ctx context.Context) (ArchiveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := ArchiveResult{From: a.watermark, To: a.now()}
	opts := domain.ListOpts{Until: &res.To}
	if !res.From.IsZero() {
		opts.Since = &res.From
	}

	snaps, err := a.snaps.List(ctx, opts)
	if err != nil {
		return res, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	if len(snaps) > 0 {
		path := a.path("risk_snapshots", res.To)
		if err := upload(ctx, a.writer, path, snaps); err != nil {
			return res, err
		}
		res.Snapshots = len(snaps)
		res.Paths = append(res.Paths, path)
	}

	entries, err := a.audit.List(ctx, opts)
	if err != nil {
		return res, fmt.Errorf("s3blob: list audit: %w", err)
	}
	if len(entries) > 0 {
		path := a.path("audit", res.To)
		if err := upload(ctx, a.writer, path, entries); err != nil {
			return res, err
		}
		res.Audit = len(entries)
		res.Paths = append(res.Paths, path)
	}

	a.watermark = res.To
	return res, nil
}

func upload[T any](ctx context.Context, w domain.BlobWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: encode %s: %w", path, err)
	}
	if err := w.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return nil
}

// path partitions archives by day, e.g.
//
//	archive/risk_snapshots/2026/03/01/20260301T120000Z.jsonl
func (a *Archiver) path(kind string, to time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.jsonl", a.prefix, kind, to.Format("2006/01/02"), to.Format("20060102T150405Z"))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
