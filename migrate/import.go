package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/cppla/carbonboard/models"
	"github.com/cppla/carbonboard/services"
)

// Store is the part of services.RecordStore an import needs.
type Store interface {
	GetByKey(ctx context.Context, userID string, week models.Week) (*models.WeeklyRecord, error)
	Upsert(ctx context.Context, rec *models.WeeklyRecord) error
}

// ImportReport counts the outcome of an import.
type ImportReport struct {
	Total    int
	Imported int
	Existing int
	Invalid  int
	Failed   int
}

// ImportFile reads a JSON array of legacy documents from path and inserts every
// record that does not exist yet. Existing records are never overwritten.
func ImportFile(ctx context.Context, path string, store Store, u Upgrader, logger *zap.Logger) (ImportReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportReport{}, fmt.Errorf("read %s: %w", path, err)
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return ImportReport{}, fmt.Errorf("%s: expected a JSON array of records: %w", path, err)
	}
	return Import(ctx, docs, store, u, logger), nil
}

// Import upgrades and stores docs one by one; a bad document never stops the rest.
func Import(ctx context.Context, docs []json.RawMessage, store Store, u Upgrader, logger *zap.Logger) ImportReport {
	if logger == nil {
		logger = zap.NewNop()
	}
	report := ImportReport{Total: len(docs)}
	for i, raw := range docs {
		rec, err := u.Upgrade(raw)
		if err != nil {
			report.Invalid++
			logger.Warn("skipping legacy document", zap.Int("index", i), zap.Error(err))
			continue
		}
		week, err := rec.Week()
		if err != nil {
			report.Invalid++
			logger.Warn("skipping legacy document", zap.Int("index", i), zap.Error(err))
			continue
		}

		_, err = store.GetByKey(ctx, rec.UserID, week)
		switch {
		case err == nil:
			report.Existing++
			continue
		case !errors.Is(err, services.ErrNotFound):
			report.Failed++
			logger.Error("lookup failed", zap.String("user_id", rec.UserID), zap.String("week", rec.WeekKey), zap.Error(err))
			continue
		}

		if err := store.Upsert(ctx, rec); err != nil {
			if errors.Is(err, services.ErrConflict) {
				report.Existing++
				continue
			}
			report.Failed++
			logger.Error("import failed", zap.String("user_id", rec.UserID), zap.String("week", rec.WeekKey), zap.Error(err))
			continue
		}
		report.Imported++
	}
	logger.Info("legacy import finished",
		zap.Int("total", report.Total), zap.Int("imported", report.Imported),
		zap.Int("existing", report.Existing), zap.Int("invalid", report.Invalid), zap.Int("failed", report.Failed))
	return report
}
