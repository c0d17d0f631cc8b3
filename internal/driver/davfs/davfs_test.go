package davfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/internal/database"
)

const propfindBody = `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>%s</d:href>
  <d:propstat>
   <d:prop>
    <d:displayname>a.txt</d:displayname>
    <d:resourcetype></d:resourcetype>
    <d:getcontentlength>%d</d:getcontentlength>
    <d:getcontenttype>text/plain</d:getcontenttype>
    <d:getlastmodified>Mon, 02 Jan 2006 15:04:05 GMT</d:getlastmodified>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

// fakeRemote is a minimal WebDAV server: OPTIONS, single-file PROPFIND
// and GET, optionally honoring Range headers.
type fakeRemote struct {
	body       string
	honorRange bool
	gotRange   string
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case "PROPFIND":
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprintf(w, propfindBody, r.URL.Path, len(f.body))
	case http.MethodGet:
		f.gotRange = r.Header.Get("Range")
		var start, end int64
		if f.honorRange && f.gotRange != "" {
			if _, err := fmt.Sscanf(f.gotRange, "bytes=%d-%d", &start, &end); err == nil {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(f.body)))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = io.WriteString(w, f.body[start:end+1])
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, f.body)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestDriver(t *testing.T, endpoint string) *Driver {
	t.Helper()
	cfgJSON, err := json.Marshal(Config{Endpoint: endpoint})
	require.NoError(t, err)
	d := &Driver{
		cfg:    &database.StorageConfig{ID: "s1", DriverConfig: string(cfgJSON)},
		logger: slog.Default(),
	}
	require.NoError(t, d.Initialize(context.Background()))
	return d
}

func TestDownloadRangeSendsRangedRequest(t *testing.T) {
	remote := &fakeRemote{body: "0123456789", honorRange: true}
	srv := httptest.NewServer(remote)
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	desc, err := d.DownloadFile(context.Background(), "/a.txt")
	require.NoError(t, err)

	h, err := desc.GetRange(context.Background(), 2, 4)
	require.NoError(t, err)
	defer h.Stream.Close()

	assert.True(t, h.SupportsRange)
	assert.Equal(t, "bytes=2-4", remote.gotRange)
	body, err := io.ReadAll(h.Stream)
	require.NoError(t, err)
	assert.Equal(t, "234", string(body))
}

func TestDownloadRangeCompensatesWhenRemoteIgnoresRange(t *testing.T) {
	remote := &fakeRemote{body: "0123456789", honorRange: false}
	srv := httptest.NewServer(remote)
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	desc, err := d.DownloadFile(context.Background(), "/a.txt")
	require.NoError(t, err)

	// gowebdav slices the 200 body down to the requested range.
	h, err := desc.GetRange(context.Background(), 2, 4)
	require.NoError(t, err)
	defer h.Stream.Close()
	body, err := io.ReadAll(h.Stream)
	require.NoError(t, err)
	assert.Equal(t, "234", string(body))

	// Open-ended tail read.
	h, err = desc.GetRange(context.Background(), 6, -1)
	require.NoError(t, err)
	defer h.Stream.Close()
	body, err = io.ReadAll(h.Stream)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(body))
}
