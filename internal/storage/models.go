package storage

// AutomationRule is a user-defined rule row. Trigger, conditions and action
// are stored as JSON and parsed by the rules package at load time.
type AutomationRule struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Name            string `json:"name"`
	Enabled         bool   `gorm:"index" json:"enabled"`
	TriggerConfig   string `json:"trigger_config"` // JSON
	Conditions      string `json:"conditions"`     // JSON
	ActionConfig    string `json:"action_config"`  // JSON
	Metadata        string `json:"metadata"`       // JSON
	LastExecutedAt  string `json:"last_executed_at"`
	LastEvaluatedAt string `json:"last_evaluated_at"`
	ExecutionCount  int64  `gorm:"default:0" json:"execution_count"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func (AutomationRule) TableName() string {
	return "automation_rules"
}

// TorrentShadow is the per-item "last seen" record used to detect change
// between snapshots. No row exists for items in a terminal status.
type TorrentShadow struct {
	TorrentID           string `gorm:"primaryKey;column:torrent_id" json:"torrent_id"`
	LastTotalDownloaded int64  `json:"last_total_downloaded"`
	LastTotalUploaded   int64  `json:"last_total_uploaded"`
	LastState           string `json:"last_state"`
	UpdatedAt           string `json:"updated_at"`
}

func (TorrentShadow) TableName() string {
	return "torrent_shadow"
}

// TorrentTelemetry holds derived per-item timestamps that cannot be read from
// the API directly. Nil means "not set".
type TorrentTelemetry struct {
	TorrentID              string  `gorm:"primaryKey;column:torrent_id" json:"torrent_id"`
	StalledSince           *string `json:"stalled_since"`
	UploadStalledSince     *string `json:"upload_stalled_since"`
	LastDownloadActivityAt *string `json:"last_download_activity_at"`
	LastUploadActivityAt   *string `json:"last_upload_activity_at"`
}

func (TorrentTelemetry) TableName() string {
	return "torrent_telemetry"
}

// SpeedSample is an append-only cumulative byte counter reading.
type SpeedSample struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	TorrentID       string `gorm:"column:torrent_id;index:idx_speed_torrent_ts,priority:1" json:"torrent_id"`
	Timestamp       string `gorm:"index:idx_speed_torrent_ts,priority:2" json:"timestamp"`
	TotalDownloaded int64  `json:"total_downloaded"`
	TotalUploaded   int64  `json:"total_uploaded"`
}

func (SpeedSample) TableName() string {
	return "speed_history"
}

// ArchivedDownload records an item archived before deletion. torrent_id is
// unique so re-archiving is a no-op.
type ArchivedDownload struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	TorrentID  string `gorm:"column:torrent_id;uniqueIndex" json:"torrent_id"`
	Hash       string `json:"hash"`
	Tracker    string `json:"tracker"`
	Name       string `json:"name"`
	ArchivedAt string `json:"archived_at"`
}

func (ArchivedDownload) TableName() string {
	return "archived_downloads"
}

// Tag is a per-user label.
type Tag struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;collate:NOCASE" json:"name"`
}

func (Tag) TableName() string {
	return "tags"
}

// DownloadTag maps tags to downloads (many-to-many).
type DownloadTag struct {
	TagID      uint   `gorm:"primaryKey" json:"tag_id"`
	DownloadID string `gorm:"primaryKey" json:"download_id"`
}

func (DownloadTag) TableName() string {
	return "download_tags"
}

// RuleExecutionLog is one per-rule execution record per cycle.
type RuleExecutionLog struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	RuleID         uint   `gorm:"index" json:"rule_id"`
	RuleName       string `json:"rule_name"`
	ExecutionType  string `json:"execution_type"`
	ItemsProcessed int    `json:"items_processed"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"error_message"`
	ExecutedAt     string `gorm:"index" json:"executed_at"`
}

func (RuleExecutionLog) TableName() string {
	return "rule_execution_log"
}
