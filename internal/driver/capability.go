package driver

import "strings"

// Capability is a bitmask of the optional driver contracts.
type Capability uint32

const (
	CapReader Capability = 1 << iota
	CapWriter
	CapAtomic
	CapDirectLink
	CapProxy
	CapMultipart
	CapCrossStorage
)

var capNames = []struct {
	cap  Capability
	name string
}{
	{CapReader, "READER"},
	{CapWriter, "WRITER"},
	{CapAtomic, "ATOMIC"},
	{CapDirectLink, "DIRECT_LINK"},
	{CapProxy, "PROXY"},
	{CapMultipart, "MULTIPART"},
	{CapCrossStorage, "CROSS_STORAGE"},
}

// String lists the set capability names.
func (c Capability) String() string {
	var parts []string
	for _, n := range capNames {
		if c&n.cap != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Capabilities probes a driver structurally and returns the set of
// contracts it implements.
func Capabilities(d Driver) Capability {
	var c Capability
	if _, ok := d.(Reader); ok {
		c |= CapReader
	}
	if _, ok := d.(Writer); ok {
		c |= CapWriter
	}
	if _, ok := d.(Atomic); ok {
		c |= CapAtomic
	}
	if _, ok := d.(DirectLink); ok {
		c |= CapDirectLink
	}
	if _, ok := d.(Proxy); ok {
		c |= CapProxy
	}
	if _, ok := d.(Multipart); ok {
		c |= CapMultipart
	}
	if _, ok := d.(CrossStorage); ok {
		c |= CapCrossStorage
	}
	return c
}

// Has reports whether the driver implements every capability in want.
func Has(d Driver, want Capability) bool {
	return Capabilities(d)&want == want
}
