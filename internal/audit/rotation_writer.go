// Package audit writes token rotation and expiry entries into the shared
// operations database so compliance can reconstruct who held which
// credential when. Best-effort: audit failures are logged, never raised.
package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// RotationWriter records lifecycle audit rows in auth.t_token_rotation.
type RotationWriter struct {
	db     *pgxpool.Pool
	logger *zap.Logger
	source string
}

// NewRotationWriter constructs a writer. source identifies the service
// writing the record (e.g. "etrade-adapter").
func NewRotationWriter(db *pgxpool.Pool, logger *zap.Logger, source string) *RotationWriter {
	return &RotationWriter{
		db:     db,
		logger: logger,
		source: source,
	}
}

// RecordRotation inserts one audit row. Token secrets are never written;
// only the consumer key and timestamps go in.
func (w *RotationWriter) RecordRotation(ctx context.Context, rec *model.TokenRecord, kind model.EventKind) {
	if w.db == nil || rec == nil {
		return
	}

	const query = `
		INSERT INTO auth.t_token_rotation (
			s_environment,
			s_consumer_key,
			s_event,
			s_state,
			dt_issued,
			dt_last_used,
			s_source,
			dt_recorded
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	_, err := w.db.Exec(ctx, query,
		string(rec.Environment),
		rec.ConsumerKey,
		string(kind),
		string(rec.State),
		rec.IssuedAt,
		rec.LastUsedAt,
		w.source,
	)
	if err != nil {
		w.logger.Warn("audit.rotation_write_failed",
			zap.String("environment", string(rec.Environment)),
			zap.String("event", string(kind)),
			zap.Error(err))
		return
	}

	w.logger.Debug("audit.rotation_recorded",
		zap.String("environment", string(rec.Environment)),
		zap.String("event", string(kind)))
}
