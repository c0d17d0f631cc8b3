// Package streaming turns driver stream descriptors into HTTP range and
// conditional responses.
package streaming

import (
	"context"
	"io"
	"time"
)

// StreamHandle wraps one open stream from a driver. SupportsRange reports
// whether the driver honored a requested byte range; when false the handle
// carries the full object and callers must slice it themselves.
type StreamHandle struct {
	Stream        io.ReadCloser
	SupportsRange bool
}

// Close releases the underlying stream.
func (h *StreamHandle) Close() error {
	if h == nil || h.Stream == nil {
		return nil
	}
	return h.Stream.Close()
}

// StreamDescriptor is a driver's lazy handle on one object. Size is nil
// when the backing store cannot report it. GetRange is optional; when nil
// the streaming layer slices the full stream itself.
type StreamDescriptor struct {
	Size         *int64
	ContentType  string
	ETag         string
	LastModified *time.Time

	GetStream func(ctx context.Context) (*StreamHandle, error)

	// GetRange requests [start,end] inclusive; end < 0 means to EOF.
	GetRange func(ctx context.Context, start, end int64) (*StreamHandle, error)
}
