// Package permissions implements the bit-flag permission model and the
// policy-based request authorizer used on every mutating call.
package permissions

// Flag is a 32-bit permission flag set. The bit layout reserves three
// regions: basic share/manage bits, mount operation bits and WebDAV bits.
type Flag uint32

const (
	// Basic region (bits 0-3).
	TextShare  Flag = 1 << 0
	FileShare  Flag = 1 << 1
	TextManage Flag = 1 << 2
	FileManage Flag = 1 << 3

	// Mount region (bits 8-12).
	MountView   Flag = 1 << 8
	MountUpload Flag = 1 << 9
	MountCopy   Flag = 1 << 10
	MountRename Flag = 1 << 11
	MountDelete Flag = 1 << 12

	// WebDAV region (bits 16-17).
	WebDAVRead   Flag = 1 << 16
	WebDAVManage Flag = 1 << 17
)

// Role is a named permission preset assigned to API keys.
type Role string

const (
	RoleGuest   Role = "GUEST"
	RoleGeneral Role = "GENERAL"
	RoleAdmin   Role = "ADMIN"
)

// RoleFlags returns the preset flag set for a role. Unknown roles map to
// the guest preset.
func RoleFlags(r Role) Flag {
	switch r {
	case RoleAdmin:
		return AllFlags
	case RoleGeneral:
		return TextShare | FileShare | TextManage | FileManage | MountView | MountUpload | WebDAVRead
	default:
		return MountView
	}
}

// AllFlags is every defined permission bit set at once.
const AllFlags = TextShare | FileShare | TextManage | FileManage |
	MountView | MountUpload | MountCopy | MountRename | MountDelete |
	WebDAVRead | WebDAVManage

// Has reports whether p contains every bit of q.
func Has(p, q Flag) bool { return p&q == q }

// HasAny reports whether p contains at least one bit of q.
func HasAny(p, q Flag) bool { return p&q != 0 }

// HasAll reports whether p contains every bit of each flag in qs.
func HasAll(p Flag, qs ...Flag) bool {
	for _, q := range qs {
		if !Has(p, q) {
			return false
		}
	}
	return true
}

// Add returns p with every bit of q set.
func Add(p, q Flag) Flag { return p | q }

// Remove returns p with every bit of q cleared.
func Remove(p, q Flag) Flag { return p &^ q }

// Names maps each defined flag to its canonical name, mainly for audit
// records and the admin API.
func Names(p Flag) []string {
	table := []struct {
		flag Flag
		name string
	}{
		{TextShare, "TEXT_SHARE"},
		{FileShare, "FILE_SHARE"},
		{TextManage, "TEXT_MANAGE"},
		{FileManage, "FILE_MANAGE"},
		{MountView, "MOUNT_VIEW"},
		{MountUpload, "MOUNT_UPLOAD"},
		{MountCopy, "MOUNT_COPY"},
		{MountRename, "MOUNT_RENAME"},
		{MountDelete, "MOUNT_DELETE"},
		{WebDAVRead, "WEBDAV_READ"},
		{WebDAVManage, "WEBDAV_MANAGE"},
	}

	var names []string
	for _, e := range table {
		if Has(p, e.flag) {
			names = append(names, e.name)
		}
	}
	return names
}
