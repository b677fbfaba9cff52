package persistence

import (
	"database/sql"
	"log/slog"

	"github.com/IliaW/front-page-snapshot-worker/internal/model"
)

type TargetStorage interface {
	LoadTargets() ([]model.Target, error)
	SaveOutcome(*model.OutcomeRecord)
}

// TargetRepository reads the target batch from the locations table and
// records every outcome. Write failures are logged, never propagated; the
// CSV collections remain the source of truth for a run.
type TargetRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewTargetRepository(db *sql.DB, log *slog.Logger) *TargetRepository {
	return &TargetRepository{db: db, log: log}
}

func (tr *TargetRepository) LoadTargets() ([]model.Target, error) {
	rows, err := tr.db.Query("SELECT gnis, url, place_name FROM locations WHERE url IS NOT NULL AND url != ''")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []model.Target
	for rows.Next() {
		var target model.Target
		if err = rows.Scan(&target.GNIS, &target.URL, &target.PlaceName); err != nil {
			tr.log.Error("failed to scan location row.", slog.String("err", err.Error()))
			continue
		}
		target.Normalize()
		targets = append(targets, target)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	tr.log.Info("targets loaded from database.", slog.Int("targets", len(targets)))

	return targets, nil
}

func (tr *TargetRepository) SaveOutcome(record *model.OutcomeRecord) {
	_, err := tr.db.Exec("INSERT INTO outcomes (gnis, url, place_name, classification, response_status, screenshot_path, s3_link, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		record.GNIS,
		record.URL,
		record.PlaceName,
		record.Classification.String(),
		record.StatusCode,
		record.ScreenshotPath,
		record.RemoteLink,
		record.Error)
	if err != nil {
		tr.log.Error("failed to save outcome to database.", slog.String("err", err.Error()))
		return
	}
	tr.log.Debug("outcome saved to db.", slog.String("gnis", record.GNIS))
}
