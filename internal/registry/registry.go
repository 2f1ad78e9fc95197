// Package registry is the shared user registry: which users exist, where
// their databases live, and when each is next due for polling.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"boxpilot/internal/clock"
)

// UserRegistry is one registered user.
type UserRegistry struct {
	AuthID                  string `gorm:"primaryKey;column:auth_id" json:"auth_id"`
	DBPath                  string `gorm:"column:db_path;uniqueIndex" json:"db_path"`
	Status                  string `gorm:"index" json:"status"` // active, inactive
	HasActiveRules          bool   `json:"has_active_rules"`
	NonTerminalTorrentCount int    `json:"non_terminal_torrent_count"`
	NextPollAt              string `json:"next_poll_at"`
	CreatedAt               string `json:"created_at"`
	UpdatedAt               string `json:"updated_at"`
}

func (UserRegistry) TableName() string {
	return "user_registry"
}

// APIKey holds the user's (encrypted) external API key. Encryption belongs to
// the admin surface; the core treats the key as opaque.
type APIKey struct {
	AuthID       string `gorm:"primaryKey;column:auth_id" json:"auth_id"`
	EncryptedKey string `json:"encrypted_key"`
	KeyName      string `json:"key_name"`
	IsActive     bool   `json:"is_active"`
}

func (APIKey) TableName() string {
	return "api_keys"
}

// Entry is a registry row joined with its key, as consumed by the scheduler.
type Entry struct {
	AuthID                  string
	DBPath                  string
	APIKey                  string
	Status                  string
	HasActiveRules          bool
	NonTerminalTorrentCount int
	NextPollAt              string
}

// Statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Registry wraps the shared registry database with a small read cache.
// Writes are single-row updates keyed by auth_id; every mutating write
// invalidates the cache for that user plus the active-users list. Staleness
// is bounded by one scheduler tick.
type Registry struct {
	db  *gorm.DB
	clk clock.Clock

	mu          sync.Mutex
	entryCache  map[string]Entry
	activeCache []Entry
	activeValid bool
}

// Open initializes the registry database at path.
func Open(path string, clk clock.Clock) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create registry dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&UserRegistry{}, &APIKey{}); err != nil {
		return nil, fmt.Errorf("failed to migrate registry: %w", err)
	}
	return &Registry{
		db:         db,
		clk:        clk,
		entryCache: make(map[string]Entry),
	}, nil
}

// Close closes the registry database.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Registry) invalidate(authID string) {
	r.mu.Lock()
	delete(r.entryCache, authID)
	r.activeValid = false
	r.mu.Unlock()
}

type joinedRow struct {
	UserRegistry
	EncryptedKey string
	IsActive     bool
}

func toEntry(row joinedRow) Entry {
	return Entry{
		AuthID:                  row.AuthID,
		DBPath:                  row.DBPath,
		APIKey:                  row.EncryptedKey,
		Status:                  row.Status,
		HasActiveRules:          row.HasActiveRules,
		NonTerminalTorrentCount: row.NonTerminalTorrentCount,
		NextPollAt:              row.NextPollAt,
	}
}

// DueUsers returns active users with an active key, active rules, and a
// next_poll_at that is empty or in the past, ordered by next_poll_at so the
// longest-waiting users win slots under the concurrency cap.
func (r *Registry) DueUsers() ([]Entry, error) {
	now := clock.FormatUTC(r.clk.Now())
	var rows []joinedRow
	err := r.db.Model(&UserRegistry{}).
		Select("user_registry.*, api_keys.encrypted_key, api_keys.is_active").
		Joins("JOIN api_keys ON api_keys.auth_id = user_registry.auth_id").
		Where("user_registry.status = ?", StatusActive).
		Where("api_keys.is_active = ?", true).
		Where("user_registry.has_active_rules = ?", true).
		Where("user_registry.next_poll_at IS NULL OR user_registry.next_poll_at = '' OR user_registry.next_poll_at <= ?", now).
		Order("user_registry.next_poll_at asc").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, toEntry(row))
	}
	return out, nil
}

// Entry returns one user's registry row, served from cache when possible.
func (r *Registry) Entry(authID string) (Entry, error) {
	r.mu.Lock()
	if e, ok := r.entryCache[authID]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	var row joinedRow
	err := r.db.Model(&UserRegistry{}).
		Select("user_registry.*, api_keys.encrypted_key, api_keys.is_active").
		Joins("JOIN api_keys ON api_keys.auth_id = user_registry.auth_id").
		Where("user_registry.auth_id = ?", authID).
		Scan(&row).Error
	if err != nil {
		return Entry{}, err
	}
	if row.AuthID == "" {
		return Entry{}, gorm.ErrRecordNotFound
	}
	e := toEntry(row)
	r.mu.Lock()
	r.entryCache[authID] = e
	r.mu.Unlock()
	return e, nil
}

// ActiveUsers returns all pollable users, cached between mutating writes.
func (r *Registry) ActiveUsers() ([]Entry, error) {
	r.mu.Lock()
	if r.activeValid {
		out := make([]Entry, len(r.activeCache))
		copy(out, r.activeCache)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	var rows []joinedRow
	err := r.db.Model(&UserRegistry{}).
		Select("user_registry.*, api_keys.encrypted_key, api_keys.is_active").
		Joins("JOIN api_keys ON api_keys.auth_id = user_registry.auth_id").
		Where("user_registry.status = ?", StatusActive).
		Where("api_keys.is_active = ?", true).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, toEntry(row))
	}
	r.mu.Lock()
	r.activeCache = out
	r.activeValid = true
	r.mu.Unlock()
	result := make([]Entry, len(out))
	copy(result, out)
	return result, nil
}

// UpdateAfterPoll writes back the only fields a poller owns: next_poll_at and
// the non-terminal item count.
func (r *Registry) UpdateAfterPoll(authID, nextPollAt string, nonTerminalCount int) error {
	err := r.db.Model(&UserRegistry{}).Where("auth_id = ?", authID).Updates(map[string]interface{}{
		"next_poll_at":               nextPollAt,
		"non_terminal_torrent_count": nonTerminalCount,
		"updated_at":                 clock.FormatUTC(r.clk.Now()),
	}).Error
	if err != nil {
		return err
	}
	r.invalidate(authID)
	return nil
}

// MarkInactive flips the user's status after an auth failure. The next tick
// excludes the user until an operator re-activates them.
func (r *Registry) MarkInactive(authID string) error {
	err := r.db.Model(&UserRegistry{}).Where("auth_id = ?", authID).Updates(map[string]interface{}{
		"status":     StatusInactive,
		"updated_at": clock.FormatUTC(r.clk.Now()),
	}).Error
	if err != nil {
		return err
	}
	r.invalidate(authID)
	return nil
}

// SetHasActiveRules updates the rule flag (written by the admin surface, but
// also refreshed by pollers when they notice drift).
func (r *Registry) SetHasActiveRules(authID string, has bool) error {
	err := r.db.Model(&UserRegistry{}).Where("auth_id = ?", authID).Updates(map[string]interface{}{
		"has_active_rules": has,
		"updated_at":       clock.FormatUTC(r.clk.Now()),
	}).Error
	if err != nil {
		return err
	}
	r.invalidate(authID)
	return nil
}

// Upsert inserts or updates a registry row plus its key. Primarily used by
// provisioning and tests.
func (r *Registry) Upsert(entry Entry) error {
	now := clock.FormatUTC(r.clk.Now())
	err := r.db.Transaction(func(tx *gorm.DB) error {
		user := UserRegistry{
			AuthID:                  entry.AuthID,
			DBPath:                  entry.DBPath,
			Status:                  entry.Status,
			HasActiveRules:          entry.HasActiveRules,
			NonTerminalTorrentCount: entry.NonTerminalTorrentCount,
			NextPollAt:              entry.NextPollAt,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if err := tx.Save(&user).Error; err != nil {
			return err
		}
		key := APIKey{
			AuthID:       entry.AuthID,
			EncryptedKey: entry.APIKey,
			IsActive:     true,
		}
		return tx.Save(&key).Error
	})
	if err != nil {
		return err
	}
	r.invalidate(entry.AuthID)
	return nil
}
