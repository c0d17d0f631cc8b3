package database

import (
	"time"
)

// DriverKind tags a storage config with the driver that serves it.
type DriverKind string

const (
	DriverS3     DriverKind = "S3"
	DriverWebDAV DriverKind = "WEBDAV"
	DriverLocal  DriverKind = "LOCAL"
)

// StorageConfig describes one backing object store. DriverConfig is a JSON
// blob private to the driver; secret fields inside it are encrypted at
// rest and decrypted lazily when the driver is materialized.
type StorageConfig struct {
	ID           string     `db:"id"`
	Name         string     `db:"name"`
	DriverKind   DriverKind `db:"driver_kind"`
	DriverConfig string     `db:"driver_config"`
	IsPublic     bool       `db:"is_public"`
	IsDefault    bool       `db:"is_default"`
	QuotaBytes   *int64     `db:"quota_bytes"`
	AdminID      string     `db:"admin_id"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// WebDAVPolicy selects how WebDAV clients receive file bodies for a mount.
type WebDAVPolicy string

const (
	WebDAVPolicy302      WebDAVPolicy = "302_redirect"
	WebDAVPolicyProxyURL WebDAVPolicy = "use_proxy_url"
	WebDAVPolicyNative   WebDAVPolicy = "native_proxy"
)

// StorageMount exposes a storage config under a virtual path prefix.
// MountPath is unique among active mounts and must not nest inside
// another active mount.
type StorageMount struct {
	ID              string       `db:"id"`
	Name            string       `db:"name"`
	StorageConfigID string       `db:"storage_config_id"`
	MountPath       string       `db:"mount_path"`
	IsActive        bool         `db:"is_active"`
	WebProxy        bool         `db:"web_proxy"`
	EnableSign      bool         `db:"enable_sign"`
	SignExpires     *int         `db:"sign_expires"`
	WebDAVPolicy    WebDAVPolicy `db:"webdav_policy"`
	SortOrder       int          `db:"sort_order"`
	CacheTTL        *int         `db:"cache_ttl"`
	CreatedBy       string       `db:"created_by"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

// APIKey is an opaque bearer credential carrying a permission bitmask and
// a path scope.
type APIKey struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Key         string     `db:"key"`
	Permissions uint32     `db:"permissions"`
	Role        string     `db:"role"`
	BasicPath   string     `db:"basic_path"`
	IsEnable    bool       `db:"is_enable"`
	ExpiresAt   *time.Time `db:"expires_at"`
	LastUsed    *time.Time `db:"last_used"`
	CreatedAt   time.Time  `db:"created_at"`
}

// Admin is a password-authenticated administrator account.
type Admin struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// AdminToken is a short-lived bearer token for an admin session.
type AdminToken struct {
	Token     string    `db:"token"`
	AdminID   string    `db:"admin_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

// FileShare is a public file artifact addressed by slug. StorageConfigID
// and StoragePath locate the bytes; CreatedBy is "<kind>:<id>".
type FileShare struct {
	ID              string     `db:"id"`
	Slug            string     `db:"slug"`
	Filename        string     `db:"filename"`
	MimeType        string     `db:"mimetype"`
	Size            int64      `db:"size"`
	Remark          *string    `db:"remark"`
	StorageConfigID *string    `db:"storage_config_id"`
	StoragePath     *string    `db:"storage_path"`
	UseProxy        bool       `db:"use_proxy"`
	ExpiresAt       *time.Time `db:"expires_at"`
	MaxViews        *int       `db:"max_views"`
	Views           int        `db:"views"`
	CreatedBy       string     `db:"created_by"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// PasteShare is a public text artifact addressed by slug.
type PasteShare struct {
	ID        string     `db:"id"`
	Slug      string     `db:"slug"`
	Content   string     `db:"content"`
	Remark    *string    `db:"remark"`
	ExpiresAt *time.Time `db:"expires_at"`
	MaxViews  *int       `db:"max_views"`
	Views     int        `db:"views"`
	CreatedBy string     `db:"created_by"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// SharePassword stores the salted hash plus a creator-viewable plaintext
// copy for a protected share.
type SharePassword struct {
	ShareID      string    `db:"share_id"`
	PasswordHash string    `db:"password_hash"`
	Plaintext    string    `db:"plaintext"`
	CreatedAt    time.Time `db:"created_at"`
}

// UploadStrategy selects how multipart uploads hand URLs to the client.
type UploadStrategy string

const (
	StrategyPerPartURL    UploadStrategy = "per_part_url"
	StrategySingleSession UploadStrategy = "single_session"
)

// UploadSessionStatus enumerates the lifecycle of a multipart session.
type UploadSessionStatus string

const (
	UploadActive    UploadSessionStatus = "active"
	UploadCompleted UploadSessionStatus = "completed"
	UploadAborted   UploadSessionStatus = "aborted"
	UploadExpired   UploadSessionStatus = "expired"
	UploadError     UploadSessionStatus = "error"
)

// UploadSession tracks one in-flight multipart upload.
type UploadSession struct {
	ID               string              `db:"id"`
	UserID           string              `db:"user_id"`
	UserKind         string              `db:"user_kind"`
	MountID          string              `db:"mount_id"`
	FsPath           string              `db:"fs_path"`
	FileSize         int64               `db:"file_size"`
	MimeType         string              `db:"mime_type"`
	FingerprintAlgo  *string             `db:"fingerprint_algo"`
	FingerprintValue *string             `db:"fingerprint_value"`
	Strategy         UploadStrategy      `db:"strategy"`
	PartSize         int64               `db:"part_size"`
	TotalParts       int                 `db:"total_parts"`
	CompletedParts   int                 `db:"completed_parts"`
	UploadedBytes    int64               `db:"uploaded_bytes"`
	ProviderUploadID *string             `db:"provider_upload_id"`
	ProviderURL      *string             `db:"provider_url"`
	ProviderMeta     *string             `db:"provider_meta"`
	Status           UploadSessionStatus `db:"status"`
	ExpiresAt        time.Time           `db:"expires_at"`
	CreatedAt        time.Time           `db:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at"`
}

// FsMeta is path-keyed directory presentation metadata, inherited via
// nearest-ancestor lookup.
type FsMeta struct {
	ID             string    `db:"id"`
	Path           string    `db:"path"`
	HeaderMarkdown *string   `db:"header_markdown"`
	FooterMarkdown *string   `db:"footer_markdown"`
	HidePatterns   *string   `db:"hide_patterns"` // JSON array of regexes
	InheritHeader  bool      `db:"inherit_header"`
	InheritFooter  bool      `db:"inherit_footer"`
	InheritHide    bool      `db:"inherit_hide"`
	Password       *string   `db:"password"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// TaskStatus enumerates the durable task lifecycle. Terminal statuses
// never transition.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskPartial   TaskStatus = "partial"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskPartial, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskRecord is one durable unit of background work. Timestamps are epoch
// milliseconds so progress updates stay cheap to compare and serialize.
type TaskRecord struct {
	ID         string     `db:"id"`
	TaskType   string     `db:"task_type"`
	Status     TaskStatus `db:"status"`
	Payload    string     `db:"payload"` // JSON
	Stats      string     `db:"stats"`   // JSON
	Error      *string    `db:"error_message"`
	UserID     string     `db:"user_id"`
	UserKind   string     `db:"user_kind"`
	CreatedAt  int64      `db:"created_at"`
	StartedAt  *int64     `db:"started_at"`
	UpdatedAt  int64      `db:"updated_at"`
	FinishedAt *int64     `db:"finished_at"`
	WorkflowID *string    `db:"workflow_id"`
}

// ScheduledJob is a registered periodic maintenance job.
type ScheduledJob struct {
	ID        string     `db:"id"`
	Name      string     `db:"name"`
	CronExpr  string     `db:"cron_expr"`
	IsActive  bool       `db:"is_active"`
	LastRunAt *time.Time `db:"last_run_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// ScheduledJobRun records one execution of a scheduled job.
type ScheduledJobRun struct {
	ID         int64     `db:"id"`
	JobID      string    `db:"job_id"`
	Status     string    `db:"status"`
	Detail     *string   `db:"detail"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}
