// Package storage is the per-user embedded database. Each registered user
// has their own SQLite file; one Store is exclusive to a single in-flight
// poll cycle for that user.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store handles all database operations for one user.
type Store struct {
	DB *gorm.DB
}

// Open initializes the SQLite database at path, creating parent directories
// and migrating the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	// Glebarez driver: pure Go, no CGO.
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency between the poller and admin reads
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA cache_size=10000;")

	err = db.AutoMigrate(
		&AutomationRule{},
		&TorrentShadow{},
		&TorrentTelemetry{},
		&SpeedSample{},
		&ArchivedDownload{},
		&Tag{},
		&DownloadTag{},
		&RuleExecutionLog{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability.
func (s *Store) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ============= Shadow =============

// GetAllShadows loads every shadow row keyed by torrent id.
func (s *Store) GetAllShadows() (map[string]TorrentShadow, error) {
	var rows []TorrentShadow
	if err := s.DB.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]TorrentShadow, len(rows))
	for _, r := range rows {
		out[r.TorrentID] = r
	}
	return out, nil
}

// UpsertShadow inserts or replaces the shadow row for one item.
func (s *Store) UpsertShadow(row TorrentShadow) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "torrent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_total_downloaded", "last_total_uploaded", "last_state", "updated_at",
		}),
	}).Create(&row).Error
}

// DeleteShadow removes the shadow row for one item.
func (s *Store) DeleteShadow(torrentID string) error {
	return s.DB.Delete(&TorrentShadow{}, "torrent_id = ?", torrentID).Error
}

// CountShadows returns the number of tracked (non-terminal) items.
func (s *Store) CountShadows() (int64, error) {
	var n int64
	err := s.DB.Model(&TorrentShadow{}).Count(&n).Error
	return n, err
}

// ============= Telemetry =============

// GetTelemetry batch-loads telemetry rows for the given ids.
func (s *Store) GetTelemetry(torrentIDs []string) (map[string]TorrentTelemetry, error) {
	out := make(map[string]TorrentTelemetry, len(torrentIDs))
	if len(torrentIDs) == 0 {
		return out, nil
	}
	var rows []TorrentTelemetry
	if err := s.DB.Where("torrent_id IN ?", torrentIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.TorrentID] = r
	}
	return out, nil
}

// UpsertTelemetry inserts or replaces a telemetry row.
func (s *Store) UpsertTelemetry(row TorrentTelemetry) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "torrent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"stalled_since", "upload_stalled_since",
			"last_download_activity_at", "last_upload_activity_at",
		}),
	}).Create(&row).Error
}

// DeleteTelemetry removes the telemetry row for one item.
func (s *Store) DeleteTelemetry(torrentID string) error {
	return s.DB.Delete(&TorrentTelemetry{}, "torrent_id = ?", torrentID).Error
}

// ============= Speed history =============

// AddSpeedSample appends one cumulative counter reading.
func (s *Store) AddSpeedSample(sample SpeedSample) error {
	return s.DB.Create(&sample).Error
}

// GetSpeedSamples returns samples for one item with timestamp >= since,
// ordered by timestamp ascending.
func (s *Store) GetSpeedSamples(torrentID, since string) ([]SpeedSample, error) {
	var rows []SpeedSample
	err := s.DB.Where("torrent_id = ? AND timestamp >= ?", torrentID, since).
		Order("timestamp asc").
		Find(&rows).Error
	return rows, err
}

// GetSpeedSamplesBulk batch-loads samples for many items in one query,
// grouped by torrent id and ordered by timestamp ascending within each group.
func (s *Store) GetSpeedSamplesBulk(torrentIDs []string, since string) (map[string][]SpeedSample, error) {
	out := make(map[string][]SpeedSample, len(torrentIDs))
	if len(torrentIDs) == 0 {
		return out, nil
	}
	var rows []SpeedSample
	err := s.DB.Where("torrent_id IN ? AND timestamp >= ?", torrentIDs, since).
		Order("timestamp asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.TorrentID] = append(out[r.TorrentID], r)
	}
	return out, nil
}

// PruneSpeedSamples deletes samples older than the cutoff.
func (s *Store) PruneSpeedSamples(before string) (int64, error) {
	res := s.DB.Delete(&SpeedSample{}, "timestamp < ?", before)
	return res.RowsAffected, res.Error
}

// ============= Tags =============

// GetTags returns all tags for the user.
func (s *Store) GetTags() ([]Tag, error) {
	var tags []Tag
	err := s.DB.Order("name asc").Find(&tags).Error
	return tags, err
}

// TagsExist verifies every id refers to an existing tag.
func (s *Store) TagsExist(tagIDs []uint) (bool, error) {
	if len(tagIDs) == 0 {
		return true, nil
	}
	var n int64
	if err := s.DB.Model(&Tag{}).Where("id IN ?", tagIDs).Count(&n).Error; err != nil {
		return false, err
	}
	return n == int64(len(tagIDs)), nil
}

// GetTagAssignments batch-loads download -> tag-id mappings.
func (s *Store) GetTagAssignments(downloadIDs []string) (map[string][]uint, error) {
	out := make(map[string][]uint, len(downloadIDs))
	if len(downloadIDs) == 0 {
		return out, nil
	}
	var rows []DownloadTag
	if err := s.DB.Where("download_id IN ?", downloadIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.DownloadID] = append(out[r.DownloadID], r.TagID)
	}
	return out, nil
}

// AssignTags adds the given tags to a download inside one transaction.
// Existing assignments are left alone (insert-or-ignore).
func (s *Store) AssignTags(downloadID string, tagIDs []uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		for _, tagID := range tagIDs {
			row := DownloadTag{TagID: tagID, DownloadID: downloadID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveTags deletes the given tag assignments from a download inside one
// transaction.
func (s *Store) RemoveTags(downloadID string, tagIDs []uint) error {
	if len(tagIDs) == 0 {
		return nil
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		return tx.Delete(&DownloadTag{}, "download_id = ? AND tag_id IN ?", downloadID, tagIDs).Error
	})
}

// ============= Archive =============

// ArchiveDownload inserts an archive row. Returns false without error when
// the item was already archived.
func (s *Store) ArchiveDownload(row ArchivedDownload) (bool, error) {
	res := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "torrent_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IsArchived reports whether the item already has an archive row.
func (s *Store) IsArchived(torrentID string) (bool, error) {
	var n int64
	err := s.DB.Model(&ArchivedDownload{}).Where("torrent_id = ?", torrentID).Count(&n).Error
	return n > 0, err
}

// ============= Rules =============

// GetEnabledRules returns all enabled automation rules.
func (s *Store) GetEnabledRules() ([]AutomationRule, error) {
	var rules []AutomationRule
	err := s.DB.Where("enabled = ?", true).Order("id asc").Find(&rules).Error
	return rules, err
}

// UpdateRuleEvaluated stamps last_evaluated_at after a non-gated evaluation.
func (s *Store) UpdateRuleEvaluated(ruleID uint, at string) error {
	return s.DB.Model(&AutomationRule{}).Where("id = ?", ruleID).
		Update("last_evaluated_at", at).Error
}

// UpdateRuleExecuted stamps last_executed_at and bumps the execution counter.
func (s *Store) UpdateRuleExecuted(ruleID uint, at string) error {
	return s.DB.Model(&AutomationRule{}).Where("id = ?", ruleID).Updates(map[string]interface{}{
		"last_executed_at": at,
		"execution_count":  gorm.Expr("execution_count + 1"),
	}).Error
}

// AddExecutionLog appends one per-rule execution record.
func (s *Store) AddExecutionLog(row RuleExecutionLog) error {
	return s.DB.Create(&row).Error
}

// HasExecutionSince reports whether any rule execution was logged at or after
// the cutoff. Used by next-poll mode selection.
func (s *Store) HasExecutionSince(since string) (bool, error) {
	var n int64
	err := s.DB.Model(&RuleExecutionLog{}).Where("executed_at >= ?", since).Count(&n).Error
	return n > 0, err
}
