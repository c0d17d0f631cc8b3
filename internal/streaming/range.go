package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Channel identifies which surface is streaming the object; it selects
// the cache policy.
type Channel string

const (
	ChannelFSWeb       Channel = "fs-web"
	ChannelWebDAV      Channel = "webdav"
	ChannelProxy       Channel = "proxy"
	ChannelShare       Channel = "share"
	ChannelObjectAPI   Channel = "object-api"
	ChannelPreview     Channel = "preview"
	ChannelInternalJob Channel = "internal-job"
)

// Request carries the HTTP request pieces the range algorithm consumes.
type Request struct {
	Channel     Channel
	RangeHeader string

	IfNoneMatch       string
	IfModifiedSince   string
	IfMatch           string
	IfUnmodifiedSince string
}

// RangeReader is the assembled response: status, headers and a lazy body.
// 304/412/416 responses have a nil body.
type RangeReader struct {
	Status  int
	Headers map[string]string

	getBody func(ctx context.Context) (*StreamHandle, error)
	handle  *StreamHandle
}

// GetBody opens the response body. Returns nil for bodyless statuses.
func (r *RangeReader) GetBody(ctx context.Context) (*StreamHandle, error) {
	if r.getBody == nil {
		return nil, nil
	}
	h, err := r.getBody(ctx)
	if err != nil {
		return nil, err
	}
	r.handle = h
	return h, nil
}

// Close releases the body if one was opened.
func (r *RangeReader) Close() error {
	if r.handle == nil {
		return nil
	}
	return r.handle.Close()
}

type byteRange struct {
	start int64
	end   int64 // -1 = open ended
	known bool  // end resolved against a known size
}

// parseRange interprets a Range header against an optional total size.
// ok=false means serve the full body with 200; a non-nil error means 416.
func parseRange(header string, size *int64) (rng byteRange, ok bool, err error) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return rng, false, nil
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return rng, false, nil
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	// Suffix form bytes=-n.
	if startStr == "" {
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n <= 0 {
			return rng, false, nil
		}
		if size == nil {
			// Cannot locate the suffix without a size; degrade to 200.
			return rng, false, nil
		}
		start := *size - n
		if start < 0 {
			start = 0
		}
		return byteRange{start: start, end: *size - 1, known: true}, true, nil
	}

	start, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || start < 0 {
		return rng, false, nil
	}

	end := int64(-1)
	if endStr != "" {
		end, perr = strconv.ParseInt(endStr, 10, 64)
		if perr != nil || end < start {
			return rng, false, nil
		}
	}

	if size == nil {
		return byteRange{start: start, end: end}, true, nil
	}
	if start >= *size {
		return rng, false, fmt.Errorf("range start %d beyond size %d", start, *size)
	}
	if end < 0 || end > *size-1 {
		end = *size - 1
	}
	return byteRange{start: start, end: end, known: true}, true, nil
}

// etagMatch compares two entity tags weakly (W/ prefix stripped).
func etagMatch(a, b string) bool {
	strip := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.TrimPrefix(s, "W/")
		return strings.Trim(s, `"`)
	}
	return strip(a) != "" && strip(a) == strip(b)
}

func etagListMatch(header, etag string) bool {
	if strings.TrimSpace(header) == "*" {
		return etag != ""
	}
	for _, candidate := range strings.Split(header, ",") {
		if etagMatch(candidate, etag) {
			return true
		}
	}
	return false
}

func parseHTTPTime(v string) (time.Time, bool) {
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// cachePolicy maps a channel to its Cache-Control value; empty means no
// header.
func cachePolicy(ch Channel) string {
	switch ch {
	case ChannelFSWeb, ChannelWebDAV:
		return "private, no-cache"
	case ChannelProxy, ChannelShare:
		return "public, max-age=3600"
	}
	return ""
}

// NewRangeReader runs the conditional and range algorithm over a
// descriptor and produces the response skeleton.
func NewRangeReader(desc *StreamDescriptor, req Request) (*RangeReader, error) {
	headers := map[string]string{
		"Accept-Ranges": "bytes",
	}
	contentType := desc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers["Content-Type"] = contentType
	if desc.ETag != "" {
		headers["ETag"] = desc.ETag
	}
	if desc.LastModified != nil {
		headers["Last-Modified"] = desc.LastModified.UTC().Format(http.TimeFormat)
	}
	if policy := cachePolicy(req.Channel); policy != "" {
		headers["Cache-Control"] = policy
	}

	// Preconditions (If-Match / If-Unmodified-Since) first.
	if req.IfMatch != "" && !etagListMatch(req.IfMatch, desc.ETag) {
		return &RangeReader{Status: http.StatusPreconditionFailed, Headers: headers}, nil
	}
	if req.IfUnmodifiedSince != "" && desc.LastModified != nil {
		if t, ok := parseHTTPTime(req.IfUnmodifiedSince); ok && desc.LastModified.Truncate(time.Second).After(t) {
			return &RangeReader{Status: http.StatusPreconditionFailed, Headers: headers}, nil
		}
	}

	// Cache validators.
	if req.IfNoneMatch != "" {
		if etagListMatch(req.IfNoneMatch, desc.ETag) {
			return &RangeReader{Status: http.StatusNotModified, Headers: headers}, nil
		}
	} else if req.IfModifiedSince != "" && desc.LastModified != nil {
		if t, ok := parseHTTPTime(req.IfModifiedSince); ok && !desc.LastModified.Truncate(time.Second).After(t) {
			return &RangeReader{Status: http.StatusNotModified, Headers: headers}, nil
		}
	}

	if req.RangeHeader != "" {
		rng, ok, err := parseRange(req.RangeHeader, desc.Size)
		if err != nil {
			h := cloneHeaders(headers)
			delete(h, "Content-Type")
			h["Content-Range"] = fmt.Sprintf("bytes */%d", *desc.Size)
			return &RangeReader{Status: http.StatusRequestedRangeNotSatisfiable, Headers: h}, nil
		}
		if ok {
			return partialReader(desc, headers, rng), nil
		}
	}

	// Full body.
	if desc.Size != nil {
		headers["Content-Length"] = strconv.FormatInt(*desc.Size, 10)
	}
	return &RangeReader{
		Status:  http.StatusOK,
		Headers: headers,
		getBody: func(ctx context.Context) (*StreamHandle, error) {
			return desc.GetStream(ctx)
		},
	}, nil
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func partialReader(desc *StreamDescriptor, headers map[string]string, rng byteRange) *RangeReader {
	h := cloneHeaders(headers)
	if rng.known {
		h["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, *desc.Size)
		h["Content-Length"] = strconv.FormatInt(rng.end-rng.start+1, 10)
	} else {
		// Open-ended range over an unknown size.
		h["Content-Range"] = fmt.Sprintf("bytes %d-/*", rng.start)
	}

	return &RangeReader{
		Status:  http.StatusPartialContent,
		Headers: h,
		getBody: func(ctx context.Context) (*StreamHandle, error) {
			if desc.GetRange != nil {
				handle, err := desc.GetRange(ctx, rng.start, rng.end)
				if err != nil {
					return nil, err
				}
				if handle.SupportsRange {
					return handle, nil
				}
				// The driver delivered the full body anyway; slice it.
				return sliceHandle(handle, rng), nil
			}
			handle, err := desc.GetStream(ctx)
			if err != nil {
				return nil, err
			}
			return sliceHandle(handle, rng), nil
		},
	}
}

// sliceHandle skips [0,start) and limits the stream to the range length.
func sliceHandle(h *StreamHandle, rng byteRange) *StreamHandle {
	var r io.Reader = &skipReader{r: h.Stream, skip: rng.start}
	if rng.end >= rng.start {
		r = io.LimitReader(r, rng.end-rng.start+1)
	}
	return &StreamHandle{
		Stream:        &readCloser{r: r, c: h.Stream},
		SupportsRange: true,
	}
}

// skipReader discards the first skip bytes before passing reads through.
type skipReader struct {
	r    io.Reader
	skip int64
}

func (s *skipReader) Read(p []byte) (int, error) {
	if s.skip > 0 {
		if _, err := io.CopyN(io.Discard, s.r, s.skip); err != nil {
			return 0, err
		}
		s.skip = 0
	}
	return s.r.Read(p)
}

type readCloser struct {
	r io.Reader
	c io.Closer
}

func (rc *readCloser) Read(p []byte) (int, error) { return rc.r.Read(p) }
func (rc *readCloser) Close() error               { return rc.c.Close() }
