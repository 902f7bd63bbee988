package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/stratbase/tradecopier/internal/domain"
)

// contentType for newline-delimited JSON archives.
const contentType = "application/x-ndjson"

// Putter uploads one archive object. Implemented by S3Uploader.
type Putter interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Config tunes the archival loop.
type Config struct {
	// RetentionDays keeps rows younger than this out of the archive.
	RetentionDays int
	// Interval is the pause between archival sweeps.
	Interval time.Duration
	// BatchSize bounds the rows fetched per sweep.
	BatchSize int
}

// Archiver periodically copies terminal audit rows past the retention cutoff
// into object storage as JSONL. Rows are never deleted here; pruning the
// table is a deliberate operator action after archives are verified.
type Archiver struct {
	audit  domain.AuditLog
	putter Putter
	cfg    Config
	logger *slog.Logger

	// lastID is the high-water mark of archived rows, so a sweep never
	// re-uploads what the previous one shipped.
	lastID int64

	now func() time.Time
}

// New builds an Archiver.
func New(audit domain.AuditLog, putter Putter, cfg Config, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Archiver{
		audit:  audit,
		putter: putter,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started",
		slog.Int("retention_days", a.cfg.RetentionDays),
		slog.Duration("interval", a.cfg.Interval))
	defer a.logger.Info("archiver stopped")

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			count, err := a.Sweep(ctx)
			if err != nil {
				a.logger.Error("archive sweep failed", slog.String("error", err.Error()))
				continue
			}
			if count > 0 {
				a.logger.Info("archive sweep complete", slog.Int("rows", count))
			}
		}
	}
}

// Sweep archives one batch of rows older than the retention cutoff and
// returns how many were shipped.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	cutoff := a.now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)

	rows, err := a.audit.ListTerminalBefore(ctx, cutoff, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("archive: listing audit rows: %w", err)
	}

	fresh := rows[:0]
	for _, row := range rows {
		if row.ID > a.lastID {
			fresh = append(fresh, row)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(fresh)
	if err != nil {
		return 0, fmt.Errorf("archive: marshaling audit rows: %w", err)
	}

	key := a.objectKey(fresh[0].ID, fresh[len(fresh)-1].ID)
	if err := a.putter.Put(ctx, key, bytes.NewReader(buf), contentType); err != nil {
		return 0, err
	}

	a.lastID = fresh[len(fresh)-1].ID
	a.logger.Debug("audit rows archived",
		slog.String("key", key),
		slog.Int("rows", len(fresh)))
	return len(fresh), nil
}

// objectKey builds a date-partitioned key carrying the archived id range.
func (a *Archiver) objectKey(firstID, lastID int64) string {
	now := a.now().UTC()
	return fmt.Sprintf("audit/%s/audit-%d-%d.jsonl",
		now.Format("2006/01/02"), firstID, lastID)
}

// marshalJSONL serializes rows as newline-delimited JSON.
func marshalJSONL(rows []domain.TradeAuditLog) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
