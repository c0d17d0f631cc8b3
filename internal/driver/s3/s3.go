// Package s3 implements the S3 storage driver for any S3-compatible
// object store.
package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/pathutil"
	"github.com/cloudpaste/cloudpaste/internal/streaming"
)

func init() {
	driver.Register(database.DriverS3, func(cfg *database.StorageConfig, secrets driver.SecretDecrypter, logger *slog.Logger) driver.Driver {
		return &Driver{
			cfg:     cfg,
			secrets: secrets,
			logger:  logger.With("driver", "s3", "storage_config", cfg.ID),
		}
	})
}

// Config is the driver_config blob for S3 storage. SecretAccessKey is
// stored encrypted and decrypted on Initialize.
type Config struct {
	Endpoint        string `json:"endpoint"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Prefix          string `json:"prefix,omitempty"`
	PathStyle       bool   `json:"pathStyle,omitempty"`
	CustomHost      string `json:"customHost,omitempty"`
}

// Driver serves one bucket (optionally under a key prefix).
type Driver struct {
	cfg     *database.StorageConfig
	secrets driver.SecretDecrypter
	logger  *slog.Logger

	conf   Config
	client *minio.Client
}

var _ interface {
	driver.Driver
	driver.Reader
	driver.Writer
	driver.Atomic
	driver.DirectLink
	driver.Proxy
	driver.Multipart
	driver.CrossStorage
} = (*Driver)(nil)

func (d *Driver) DeclaredCapabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapAtomic |
		driver.CapDirectLink | driver.CapProxy | driver.CapMultipart | driver.CapCrossStorage
}

func (d *Driver) Kind() database.DriverKind { return database.DriverS3 }

func (d *Driver) Initialize(ctx context.Context) error {
	if err := json.Unmarshal([]byte(d.cfg.DriverConfig), &d.conf); err != nil {
		return fmt.Errorf("parse s3 driver config: %w", err)
	}
	if d.conf.Endpoint == "" || d.conf.Bucket == "" {
		return fmt.Errorf("s3 driver config requires endpoint and bucket")
	}

	secret := d.conf.SecretAccessKey
	if d.secrets != nil && secret != "" {
		plain, err := d.secrets.DecryptString(secret)
		if err != nil {
			return fmt.Errorf("decrypt s3 secret: %w", err)
		}
		secret = plain
	}

	endpoint := d.conf.Endpoint
	secure := true
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		secure = u.Scheme != "http"
		endpoint = u.Host
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(d.conf.AccessKeyID, secret, ""),
		Secure:       secure,
		Region:       d.conf.Region,
		BucketLookup: bucketLookup(d.conf.PathStyle),
	})
	if err != nil {
		return fmt.Errorf("create s3 client: %w", err)
	}
	d.client = client
	return nil
}

func bucketLookup(pathStyle bool) minio.BucketLookupType {
	if pathStyle {
		return minio.BucketLookupPath
	}
	return minio.BucketLookupAuto
}

func (d *Driver) Cleanup(ctx context.Context) error { return nil }

// key maps a mount-relative virtual path to an object key.
func (d *Driver) key(p string) string {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if d.conf.Prefix == "" {
		return clean
	}
	return strings.TrimSuffix(d.conf.Prefix, "/") + "/" + clean
}

func mapErr(p string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return driver.NewNotFound(p)
	case "AccessDenied":
		return driver.NewForbidden(resp.Message)
	}
	de := &driver.Error{Code: driver.CodeInternal, Message: "s3: " + resp.Code, Cause: err}
	if resp.StatusCode != 0 {
		de.HTTPStatus = resp.StatusCode
	} else {
		de.HTTPStatus = 500
	}
	return de
}

func (d *Driver) ListDirectory(ctx context.Context, p string, opts driver.ListOptions) (*driver.Listing, error) {
	dir := pathutil.NormalizeDir(p)
	prefix := d.key(p)
	if prefix != "" {
		prefix += "/"
	}

	listing := &driver.Listing{Path: dir, Type: "directory", IsRoot: dir == "/"}
	for obj := range d.client.ListObjects(ctx, d.conf.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, mapErr(p, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" {
			// The directory marker object itself.
			continue
		}
		if opts.Limit > 0 && len(listing.Items) >= opts.Limit {
			break
		}
		if strings.HasSuffix(name, "/") {
			listing.Items = append(listing.Items, driver.FileInfo{
				Name:        strings.TrimSuffix(name, "/"),
				Path:        dir + name,
				IsDirectory: true,
			})
			continue
		}
		mod := obj.LastModified
		listing.Items = append(listing.Items, driver.FileInfo{
			Name:     name,
			Path:     dir + name,
			Size:     obj.Size,
			Modified: &mod,
			MimeType: mime.TypeByExtension(path.Ext(name)),
			ETag:     obj.ETag,
		})
	}
	return listing, nil
}

func (d *Driver) GetFileInfo(ctx context.Context, p string) (*driver.FileInfo, error) {
	if pathutil.HasDirSuffix(p) {
		return &driver.FileInfo{
			Name:        pathutil.Base(p),
			Path:        pathutil.NormalizeDir(p),
			IsDirectory: true,
		}, nil
	}
	stat, err := d.client.StatObject(ctx, d.conf.Bucket, d.key(p), minio.StatObjectOptions{})
	if err != nil {
		return nil, mapErr(p, err)
	}
	mod := stat.LastModified
	return &driver.FileInfo{
		Name:     pathutil.Base(p),
		Path:     pathutil.Normalize(p),
		Size:     stat.Size,
		Modified: &mod,
		MimeType: stat.ContentType,
		ETag:     stat.ETag,
	}, nil
}

func (d *Driver) DownloadFile(ctx context.Context, p string) (*streaming.StreamDescriptor, error) {
	stat, err := d.client.StatObject(ctx, d.conf.Bucket, d.key(p), minio.StatObjectOptions{})
	if err != nil {
		return nil, mapErr(p, err)
	}

	key := d.key(p)
	size := stat.Size
	mod := stat.LastModified
	return &streaming.StreamDescriptor{
		Size:         &size,
		ContentType:  stat.ContentType,
		ETag:         stat.ETag,
		LastModified: &mod,
		GetStream: func(ctx context.Context) (*streaming.StreamHandle, error) {
			obj, err := d.client.GetObject(ctx, d.conf.Bucket, key, minio.GetObjectOptions{})
			if err != nil {
				return nil, mapErr(p, err)
			}
			return &streaming.StreamHandle{Stream: obj}, nil
		},
		GetRange: func(ctx context.Context, start, end int64) (*streaming.StreamHandle, error) {
			getOpts := minio.GetObjectOptions{}
			if end < 0 {
				end = 0 // minio treats end=0 with start>0 as open-ended
			}
			if err := getOpts.SetRange(start, end); err != nil {
				return nil, driver.WrapInternal("set range", err)
			}
			obj, err := d.client.GetObject(ctx, d.conf.Bucket, key, getOpts)
			if err != nil {
				return nil, mapErr(p, err)
			}
			return &streaming.StreamHandle{Stream: obj, SupportsRange: true}, nil
		},
	}, nil
}

func (d *Driver) UploadFile(ctx context.Context, p string, src io.Reader, opts driver.UploadOptions) error {
	size := opts.Size
	if size == 0 {
		size = -1
	}
	if opts.OnProgress != nil {
		src = &progressReader{r: src, report: opts.OnProgress}
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(p))
	}
	_, err := d.client.PutObject(ctx, d.conf.Bucket, d.key(p), src, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return mapErr(p, err)
	}
	return nil
}

type progressReader struct {
	r      io.Reader
	read   int64
	report func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	p.report(p.read)
	return n, err
}

func (d *Driver) CreateDirectory(ctx context.Context, p string) error {
	key := d.key(p) + "/"
	_, err := d.client.PutObject(ctx, d.conf.Bucket, key, strings.NewReader(""), 0, minio.PutObjectOptions{})
	if err != nil {
		return mapErr(p, err)
	}
	return nil
}

func (d *Driver) BatchRemoveItems(ctx context.Context, paths []string) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{}
	for _, p := range paths {
		var err error
		if pathutil.HasDirSuffix(p) {
			err = d.removePrefix(ctx, d.key(p)+"/")
		} else {
			err = d.client.RemoveObject(ctx, d.conf.Bucket, d.key(p), minio.RemoveObjectOptions{})
		}
		if err != nil {
			res.Failed = append(res.Failed, driver.RemoveFailure{Path: p, Error: err.Error()})
			continue
		}
		res.Success++
	}
	return res, nil
}

func (d *Driver) removePrefix(ctx context.Context, prefix string) error {
	objects := d.client.ListObjects(ctx, d.conf.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for rErr := range d.client.RemoveObjects(ctx, d.conf.Bucket, objects, minio.RemoveObjectsOptions{}) {
		if rErr.Err != nil {
			return rErr.Err
		}
	}
	return nil
}

func (d *Driver) RenameItem(ctx context.Context, oldPath, newPath string) error {
	res, err := d.CopyItem(ctx, oldPath, newPath, driver.CopyOptions{})
	if err != nil {
		return err
	}
	if res.Status != driver.CopySuccess {
		return driver.WrapInternal("rename copy phase", fmt.Errorf("status %s", res.Status))
	}
	del, err := d.BatchRemoveItems(ctx, []string{oldPath})
	if err != nil {
		return err
	}
	if len(del.Failed) > 0 {
		return driver.WrapInternal("rename delete phase", fmt.Errorf("%s", del.Failed[0].Error))
	}
	return nil
}

func (d *Driver) CopyItem(ctx context.Context, src, tgt string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	res := &driver.CopyResult{Source: src, Target: tgt}

	if pathutil.HasDirSuffix(src) {
		n, err := d.copyPrefix(ctx, src, tgt, opts)
		if err != nil {
			return nil, err
		}
		res.Status = driver.CopySuccess
		res.ContentLength = n
		return res, nil
	}

	if opts.SkipExisting {
		if _, err := d.client.StatObject(ctx, d.conf.Bucket, d.key(tgt), minio.StatObjectOptions{}); err == nil {
			res.Status = driver.CopySkipped
			return res, nil
		}
	}

	stat, err := d.client.StatObject(ctx, d.conf.Bucket, d.key(src), minio.StatObjectOptions{})
	if err != nil {
		return nil, mapErr(src, err)
	}

	// Server-side copy keeps the bytes inside the store.
	_, err = d.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: d.conf.Bucket, Object: d.key(tgt)},
		minio.CopySrcOptions{Bucket: d.conf.Bucket, Object: d.key(src)},
	)
	if err != nil {
		return nil, mapErr(src, err)
	}
	if opts.OnProgress != nil {
		opts.OnProgress(stat.Size)
	}
	res.Status = driver.CopySuccess
	res.ContentLength = stat.Size
	return res, nil
}

func (d *Driver) copyPrefix(ctx context.Context, src, tgt string, opts driver.CopyOptions) (int64, error) {
	srcPrefix := d.key(src) + "/"
	tgtPrefix := d.key(tgt) + "/"

	var total int64
	for obj := range d.client.ListObjects(ctx, d.conf.Bucket, minio.ListObjectsOptions{
		Prefix:    srcPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return total, mapErr(src, obj.Err)
		}
		dst := tgtPrefix + strings.TrimPrefix(obj.Key, srcPrefix)
		_, err := d.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: d.conf.Bucket, Object: dst},
			minio.CopySrcOptions{Bucket: d.conf.Bucket, Object: obj.Key},
		)
		if err != nil {
			return total, mapErr(src, err)
		}
		total += obj.Size
		if opts.OnProgress != nil {
			opts.OnProgress(total)
		}
	}
	return total, nil
}

func (d *Driver) linkType() driver.LinkType {
	if d.conf.CustomHost != "" {
		return driver.LinkCustomHost
	}
	return driver.LinkNativeDirect
}

// rewriteHost swaps the presigned URL's host for the configured custom
// host (CDN in front of the bucket) while keeping path and signature.
func (d *Driver) rewriteHost(u *url.URL) string {
	if d.conf.CustomHost == "" {
		return u.String()
	}
	custom, err := url.Parse(d.conf.CustomHost)
	if err != nil || custom.Host == "" {
		return u.String()
	}
	u.Scheme = custom.Scheme
	u.Host = custom.Host
	return u.String()
}

func (d *Driver) GenerateDownloadURL(ctx context.Context, p string, expiresIn time.Duration) (*driver.LinkResult, error) {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	u, err := d.client.PresignedGetObject(ctx, d.conf.Bucket, d.key(p), expiresIn, nil)
	if err != nil {
		return nil, mapErr(p, err)
	}
	at := time.Now().Add(expiresIn)
	return &driver.LinkResult{
		URL:       d.rewriteHost(u),
		Type:      d.linkType(),
		ExpiresIn: int(expiresIn.Seconds()),
		ExpiresAt: &at,
	}, nil
}

func (d *Driver) GenerateUploadURL(ctx context.Context, p string, expiresIn time.Duration) (*driver.LinkResult, error) {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	u, err := d.client.PresignedPutObject(ctx, d.conf.Bucket, d.key(p), expiresIn)
	if err != nil {
		return nil, mapErr(p, err)
	}
	at := time.Now().Add(expiresIn)
	return &driver.LinkResult{
		URL:       d.rewriteHost(u),
		Type:      d.linkType(),
		ExpiresIn: int(expiresIn.Seconds()),
		ExpiresAt: &at,
	}, nil
}

func (d *Driver) SupportsProxyMode() bool { return true }

func (d *Driver) GenerateProxyURL(ctx context.Context, p string, channel string) (*driver.ProxyResult, error) {
	u := "/api/fs/proxy?path=" + url.QueryEscape(pathutil.Normalize(p))
	return &driver.ProxyResult{URL: u, Type: "proxy", Channel: channel}, nil
}

const (
	minPartSize     = 5 * 1024 * 1024
	defaultPartSize = 16 * 1024 * 1024
	maxParts        = 10000
)

func (d *Driver) InitMultipartUpload(ctx context.Context, p string, req driver.MultipartInit) (*driver.MultipartSession, error) {
	partSize := req.PartSize
	if partSize < minPartSize {
		partSize = defaultPartSize
	}
	totalParts := int((req.FileSize + partSize - 1) / partSize)
	if totalParts == 0 {
		totalParts = 1
	}
	if totalParts > maxParts {
		return nil, driver.WrapInternal("multipart init",
			fmt.Errorf("file needs %d parts, backend limit is %d", totalParts, maxParts))
	}

	core := minio.Core{Client: d.client}
	key := d.key(p)
	uploadID, err := core.NewMultipartUpload(ctx, d.conf.Bucket, key, minio.PutObjectOptions{
		ContentType: req.MimeType,
	})
	if err != nil {
		return nil, mapErr(p, err)
	}

	expires := req.ExpiresIn
	if expires <= 0 {
		expires = time.Hour
	}
	urls, err := d.presignParts(ctx, key, uploadID, 1, totalParts, expires)
	if err != nil {
		_ = core.AbortMultipartUpload(ctx, d.conf.Bucket, key, uploadID)
		return nil, err
	}

	return &driver.MultipartSession{
		Success:     true,
		StoragePath: key,
		Strategy:    database.StrategyPerPartURL,
		PartSize:    partSize,
		TotalParts:  totalParts,
		UploadID:    uploadID,
		PartURLs:    urls,
	}, nil
}

func (d *Driver) presignParts(ctx context.Context, key, uploadID string, first, last int, expires time.Duration) ([]driver.PartURL, error) {
	at := time.Now().Add(expires)
	urls := make([]driver.PartURL, 0, last-first+1)
	for n := first; n <= last; n++ {
		params := url.Values{}
		params.Set("partNumber", strconv.Itoa(n))
		params.Set("uploadId", uploadID)
		u, err := d.client.Presign(ctx, "PUT", d.conf.Bucket, key, expires, params)
		if err != nil {
			return nil, driver.WrapInternal("presign part", err)
		}
		urls = append(urls, driver.PartURL{PartNumber: n, URL: d.rewriteHost(u), ExpiresAt: &at})
	}
	return urls, nil
}

func (d *Driver) CompleteMultipartUpload(ctx context.Context, p, uploadID string, parts []driver.CompletedPart) (*driver.MultipartComplete, error) {
	core := minio.Core{Client: d.client}
	key := d.key(p)

	completeParts := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		completeParts[i] = minio.CompletePart{PartNumber: part.PartNumber, ETag: part.ETag}
	}
	info, err := core.CompleteMultipartUpload(ctx, d.conf.Bucket, key, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return nil, mapErr(p, err)
	}
	return &driver.MultipartComplete{
		Success:     true,
		StoragePath: key,
		ETag:        info.ETag,
		Size:        info.Size,
	}, nil
}

func (d *Driver) AbortMultipartUpload(ctx context.Context, p, uploadID string) error {
	core := minio.Core{Client: d.client}
	if err := core.AbortMultipartUpload(ctx, d.conf.Bucket, d.key(p), uploadID); err != nil {
		return mapErr(p, err)
	}
	return nil
}

func (d *Driver) ListMultipartUploads(ctx context.Context, prefix string) ([]driver.UploadInfo, error) {
	core := minio.Core{Client: d.client}
	res, err := core.ListMultipartUploads(ctx, d.conf.Bucket, d.key(prefix), "", "", "", 1000)
	if err != nil {
		return nil, mapErr(prefix, err)
	}
	uploads := make([]driver.UploadInfo, 0, len(res.Uploads))
	for _, u := range res.Uploads {
		uploads = append(uploads, driver.UploadInfo{
			UploadID:    u.UploadID,
			StoragePath: u.Key,
			Initiated:   u.Initiated,
		})
	}
	return uploads, nil
}

func (d *Driver) ListMultipartParts(ctx context.Context, p, uploadID string) ([]driver.PartInfo, error) {
	core := minio.Core{Client: d.client}
	key := d.key(p)

	var parts []driver.PartInfo
	marker := 0
	for {
		res, err := core.ListObjectParts(ctx, d.conf.Bucket, key, uploadID, marker, 1000)
		if err != nil {
			return nil, mapErr(p, err)
		}
		for _, part := range res.ObjectParts {
			parts = append(parts, driver.PartInfo{
				PartNumber: part.PartNumber,
				Size:       part.Size,
				ETag:       part.ETag,
				Modified:   part.LastModified,
			})
		}
		if !res.IsTruncated {
			return parts, nil
		}
		marker = res.NextPartNumberMarker
	}
}

func (d *Driver) RefreshMultipartURLs(ctx context.Context, p, uploadID string, partNumbers []int) ([]driver.PartURL, error) {
	key := d.key(p)
	at := time.Now().Add(time.Hour)
	urls := make([]driver.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		params := url.Values{}
		params.Set("partNumber", strconv.Itoa(n))
		params.Set("uploadId", uploadID)
		u, err := d.client.Presign(ctx, "PUT", d.conf.Bucket, key, time.Hour, params)
		if err != nil {
			return nil, driver.WrapInternal("presign part", err)
		}
		urls = append(urls, driver.PartURL{PartNumber: n, URL: d.rewriteHost(u), ExpiresAt: &at})
	}
	return urls, nil
}

func (d *Driver) HandleCrossStorageCopy(ctx context.Context, src, tgt string) (*driver.CrossStoragePlan, error) {
	plan := &driver.CrossStoragePlan{
		Source:      src,
		Target:      tgt,
		IsDirectory: pathutil.HasDirSuffix(src),
	}
	if plan.IsDirectory {
		return plan, nil
	}
	// A presigned source URL lets the task layer pull without holding
	// driver credentials.
	link, err := d.GenerateDownloadURL(ctx, src, time.Hour)
	if err != nil {
		return nil, err
	}
	plan.DownloadURL = link.URL
	return plan, nil
}
