package driver

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/streaming"
)

type readOnlyDriver struct {
	declared Capability
}

func (d *readOnlyDriver) Initialize(context.Context) error { return nil }
func (d *readOnlyDriver) Kind() database.DriverKind        { return database.DriverLocal }
func (d *readOnlyDriver) Cleanup(context.Context) error    { return nil }

func (d *readOnlyDriver) ListDirectory(context.Context, string, ListOptions) (*Listing, error) {
	return &Listing{Type: "directory"}, nil
}
func (d *readOnlyDriver) GetFileInfo(context.Context, string) (*FileInfo, error) {
	return &FileInfo{}, nil
}
func (d *readOnlyDriver) DownloadFile(context.Context, string) (*streaming.StreamDescriptor, error) {
	return &streaming.StreamDescriptor{}, nil
}

func (d *readOnlyDriver) DeclaredCapabilities() Capability { return d.declared }

type readWriteDriver struct {
	readOnlyDriver
}

func (d *readWriteDriver) UploadFile(context.Context, string, io.Reader, UploadOptions) error {
	return nil
}
func (d *readWriteDriver) CreateDirectory(context.Context, string) error { return nil }
func (d *readWriteDriver) BatchRemoveItems(context.Context, []string) (*BatchRemoveResult, error) {
	return &BatchRemoveResult{}, nil
}

func TestCapabilityProbing(t *testing.T) {
	ro := &readOnlyDriver{}
	assert.Equal(t, CapReader, Capabilities(ro))
	assert.True(t, Has(ro, CapReader))
	assert.False(t, Has(ro, CapWriter))

	rw := &readWriteDriver{}
	assert.Equal(t, CapReader|CapWriter, Capabilities(rw))
	assert.True(t, Has(rw, CapReader|CapWriter))
	assert.False(t, Has(rw, CapAtomic))
}

func TestValidateContract(t *testing.T) {
	require.NoError(t, validateContract(&readOnlyDriver{declared: CapReader}))

	err := validateContract(&readOnlyDriver{declared: CapReader | CapWriter})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WRITER")
}

func TestCapabilityString(t *testing.T) {
	assert.Equal(t, "READER|ATOMIC", (CapReader | CapAtomic).String())
	assert.Equal(t, "NONE", Capability(0).String())
}
