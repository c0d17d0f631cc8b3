// Package driver defines the storage driver contract and its capability
// registry. Every backend implements the small Driver interface plus any
// of the optional capability interfaces; callers probe capabilities
// structurally and gate operations on them.
package driver

import (
	"context"
	"io"
	"time"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/streaming"
)

// Driver is the mandatory contract every storage backend implements.
type Driver interface {
	// Initialize parses the driver config, decrypts secret material and
	// establishes any client state. Must be called before other methods.
	Initialize(ctx context.Context) error
	Kind() database.DriverKind
	Cleanup(ctx context.Context) error
}

// FileInfo describes one entry inside a mount.
type FileInfo struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	IsDirectory bool       `json:"isDirectory"`
	Size        int64      `json:"size"`
	Modified    *time.Time `json:"modified,omitempty"`
	MimeType    string     `json:"mimetype,omitempty"`
	ETag        string     `json:"etag,omitempty"`
}

// Listing is the result of listing one directory.
type Listing struct {
	Path      string     `json:"path"`
	Type      string     `json:"type"` // always "directory"
	IsRoot    bool       `json:"isRoot"`
	IsVirtual bool       `json:"isVirtual"`
	Items     []FileInfo `json:"items"`
}

// ListOptions tunes directory listings.
type ListOptions struct {
	// Limit caps the number of entries; 0 means unbounded.
	Limit int
}

// Reader is the read capability.
type Reader interface {
	ListDirectory(ctx context.Context, path string, opts ListOptions) (*Listing, error)
	GetFileInfo(ctx context.Context, path string) (*FileInfo, error)
	DownloadFile(ctx context.Context, path string) (*streaming.StreamDescriptor, error)
}

// UploadOptions tunes single-shot uploads.
type UploadOptions struct {
	ContentType string
	// Size is the total byte count when known, -1 otherwise.
	Size int64
	// OnProgress, when set, receives cumulative bytes written.
	OnProgress func(bytes int64)
}

// RemoveFailure reports one path a batch removal could not delete.
type RemoveFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// BatchRemoveResult aggregates a batch removal.
type BatchRemoveResult struct {
	Success int             `json:"success"`
	Failed  []RemoveFailure `json:"failed"`
}

// Writer is the mutation capability.
type Writer interface {
	UploadFile(ctx context.Context, path string, src io.Reader, opts UploadOptions) error
	CreateDirectory(ctx context.Context, path string) error
	BatchRemoveItems(ctx context.Context, paths []string) (*BatchRemoveResult, error)
}

// CopyStatus classifies one copy outcome.
type CopyStatus string

const (
	CopySuccess CopyStatus = "success"
	CopySkipped CopyStatus = "skipped"
	CopyFailed  CopyStatus = "failed"
)

// CopyOptions tunes copies.
type CopyOptions struct {
	SkipExisting bool
	OnProgress   func(bytes int64)
}

// CopyResult reports one copy.
type CopyResult struct {
	Status        CopyStatus `json:"status"`
	Source        string     `json:"source"`
	Target        string     `json:"target"`
	ContentLength int64      `json:"contentLength"`
	Error         string     `json:"error,omitempty"`
}

// Atomic is the same-storage atomic rename/copy capability.
type Atomic interface {
	RenameItem(ctx context.Context, oldPath, newPath string) error
	CopyItem(ctx context.Context, src, tgt string, opts CopyOptions) (*CopyResult, error)
}

// LinkType classifies a presigned URL.
type LinkType string

const (
	LinkNativeDirect LinkType = "native_direct"
	LinkCustomHost   LinkType = "custom_host"
)

// LinkResult is one presigned URL.
type LinkResult struct {
	URL       string     `json:"url"`
	Type      LinkType   `json:"type"`
	ExpiresIn int        `json:"expiresIn,omitempty"` // seconds
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// DirectLink is the presigned URL capability.
type DirectLink interface {
	GenerateDownloadURL(ctx context.Context, path string, expiresIn time.Duration) (*LinkResult, error)
	GenerateUploadURL(ctx context.Context, path string, expiresIn time.Duration) (*LinkResult, error)
}

// ProxyResult is a server-proxied access URL.
type ProxyResult struct {
	URL     string `json:"url"`
	Type    string `json:"type"` // always "proxy"
	Channel string `json:"channel,omitempty"`
}

// Proxy is the server-side proxy capability.
type Proxy interface {
	GenerateProxyURL(ctx context.Context, path string, channel string) (*ProxyResult, error)
	SupportsProxyMode() bool
}

// MultipartInit describes a requested multipart session.
type MultipartInit struct {
	FileSize    int64
	MimeType    string
	PartSize    int64
	ExpiresIn   time.Duration
	UploadID    string // session id assigned by the caller
	ContentHash string
}

// PartURL is one presigned part target for the per_part_url strategy.
type PartURL struct {
	PartNumber int        `json:"partNumber"`
	URL        string     `json:"url"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// MultipartSession is the initialization response handed to clients.
type MultipartSession struct {
	Success     bool                    `json:"success"`
	StoragePath string                  `json:"storagePath"`
	Strategy    database.UploadStrategy `json:"strategy"`
	PartSize    int64                   `json:"partSize"`
	TotalParts  int                     `json:"totalParts"`
	UploadID    string                  `json:"uploadId"`
	PartURLs    []PartURL               `json:"partUrls,omitempty"`
	SessionURL  string                  `json:"sessionUrl,omitempty"`
}

// CompletedPart identifies one uploaded part.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// MultipartComplete is the completion response.
type MultipartComplete struct {
	Success     bool   `json:"success"`
	StoragePath string `json:"storagePath"`
	ETag        string `json:"etag,omitempty"`
	Size        int64  `json:"size"`
}

// PartInfo describes one already-uploaded part.
type PartInfo struct {
	PartNumber int       `json:"partNumber"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag"`
	Modified   time.Time `json:"modified"`
}

// UploadInfo describes one in-flight multipart upload on the backend.
type UploadInfo struct {
	UploadID    string    `json:"uploadId"`
	StoragePath string    `json:"storagePath"`
	Initiated   time.Time `json:"initiated"`
}

// Multipart is the client-driven multipart upload capability.
type Multipart interface {
	InitMultipartUpload(ctx context.Context, path string, req MultipartInit) (*MultipartSession, error)
	CompleteMultipartUpload(ctx context.Context, path, uploadID string, parts []CompletedPart) (*MultipartComplete, error)
	AbortMultipartUpload(ctx context.Context, path, uploadID string) error
	ListMultipartUploads(ctx context.Context, prefix string) ([]UploadInfo, error)
	ListMultipartParts(ctx context.Context, path, uploadID string) ([]PartInfo, error)
	RefreshMultipartURLs(ctx context.Context, path, uploadID string, partNumbers []int) ([]PartURL, error)
}

// CrossStoragePlan describes how the task layer should move bytes between
// two storage configs.
type CrossStoragePlan struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	IsDirectory bool   `json:"isDirectory"`
	// DownloadURL is a presigned source URL when the source driver can
	// issue one; empty means stream through the server.
	DownloadURL string `json:"downloadUrl,omitempty"`
	UploadURL   string `json:"uploadUrl,omitempty"`
}

// CrossStorage prepares plans for copies spanning two storage configs.
type CrossStorage interface {
	HandleCrossStorageCopy(ctx context.Context, src, tgt string) (*CrossStoragePlan, error)
}
