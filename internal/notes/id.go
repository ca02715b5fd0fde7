package notes

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const idTimeLayout = "20060102150405"

var idPattern = regexp.MustCompile(`^[0-9]{14}-[0-9a-z]{8}$`)

// NewID returns a note id: a UTC second-resolution timestamp prefix and an
// 8-character random suffix, e.g. "20240115103045-a1b2c3d4".
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format(idTimeLayout) + "-" + suffix
}

// ValidID reports whether id has the shape produced by NewID.
// Ids created by other clients are accepted by the engine regardless;
// this is only used to reject obviously broken file names.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// SafeID reports whether id can be used as a single path segment.
func SafeID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00\n\r")
}
