package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/store/memory"
	vt "github.com/alanyoungcy/venuecore/internal/venue/venuetest"
)

type blobs struct {
	objects map[string][]byte
	fail    bool
}

func (b *blobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if b.fail {
		return errors.New("bucket unavailable")
	}
	if contentType != contentTypeJSONL {
		return errors.New("wrong content type")
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[path] = raw
	return nil
}

func lines(data []byte) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		n++
	}
	return n
}

func TestArchiveOnceIsIncremental(t *testing.T) {
	ctx := context.Background()
	snaps := memory.NewRiskSnapshotStore(0)
	audit := memory.NewAuditStore()
	w := &blobs{}
	a := NewArchiver(w, snaps, audit, "", vt.Discard())

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }

	require.NoError(t, snaps.Append(ctx, domain.RiskSnapshot{Timestamp: clock.Add(-2 * time.Minute)}))
	require.NoError(t, snaps.Append(ctx, domain.RiskSnapshot{Timestamp: clock.Add(-time.Minute)}))
	require.NoError(t, audit.Log(ctx, domain.AuditEntry{Action: domain.AuditEmergencyStop, CreatedAt: clock.Add(-time.Minute)}))

	res, err := a.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Snapshots)
	assert.Equal(t, 1, res.Audit)
	require.Len(t, res.Paths, 2)
	assert.Equal(t, "archive/risk_snapshots/2026/03/01/20260301T120000Z.jsonl", res.Paths[0])
	assert.Equal(t, 2, lines(w.objects[res.Paths[0]]))

	clock = clock.Add(time.Minute)
	require.NoError(t, snaps.Append(ctx, domain.RiskSnapshot{Timestamp: clock.Add(-30 * time.Second)}))
	res, err = a.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Snapshots)
	assert.Zero(t, res.Audit)
	assert.Len(t, w.objects, 3)
}

func TestArchiveFailureKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	snaps := memory.NewRiskSnapshotStore(0)
	w := &blobs{fail: true}
	a := NewArchiver(w, snaps, memory.NewAuditStore(), "hist", vt.Discard())
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }
	require.NoError(t, snaps.Append(ctx, domain.RiskSnapshot{Timestamp: clock.Add(-time.Second)}))

	_, err := a.ArchiveOnce(ctx)
	require.Error(t, err)

	w.fail = false
	clock = clock.Add(time.Minute)
	res, err := a.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Snapshots, "failed run is retried")
	assert.Contains(t, res.Paths[0], "hist/risk_snapshots/")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://x", normaliseEndpoint("http://x", true))
}
