package records

import (
	"fmt"
	"path"
	"strings"
)

// Slug lower-cases s and replaces anything outside [a-z0-9._-] with '_'.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

// AttachmentRole derives the role of an attachment from its file name.
func AttachmentRole(fileName string) FileRole {
	stem := strings.TrimSuffix(fileName, path.Ext(fileName))
	return FileRole(AttachmentRolePrefix + Slug(stem))
}

// EscapeSegment renders s as one object-key segment. Bytes outside
// [A-Za-z0-9._-], '~' itself and a leading '.' become ~XX, so distinct inputs
// never share a segment.
func EscapeSegment(s string) string {
	if s == "" {
		return "~"
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.' && i == 0:
			fmt.Fprintf(&b, "~%02x", c)
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "~%02x", c)
		}
	}
	return b.String()
}

// ObjectKey derives the deterministic object path {platform}/{record_id}/{role}.{ext}.
// The record id is escaped rather than slugged: ids that differ only by case or
// punctuation are distinct records and must not share objects.
func ObjectKey(platform, recordID string, role FileRole, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	name := string(role)
	if ext != "" {
		name += "." + Slug(ext)
	}
	return Slug(platform) + "/" + EscapeSegment(recordID) + "/" + name
}

// PlatformPrefix is the object-store prefix holding every object of a platform.
func PlatformPrefix(platform string) string {
	return Slug(platform) + "/"
}
