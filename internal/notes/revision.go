package notes

import (
	"crypto/sha3"
	"encoding/hex"
	"strconv"
	"strings"
)

// RevisionHash computes SHA3-256 over id, text and the millisecond update
// time. Backends without a server-side revision (snapshot file, in-memory)
// use it as the optimistic-concurrency token.
func RevisionHash(n Note) string {
	var b strings.Builder
	b.WriteString(n.ID)
	b.WriteByte(0)
	b.WriteString(n.Text)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(UnixMilli(n.UpdatedAt), 10))
	sum := sha3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SameContent reports whether two versions carry identical user content.
func SameContent(a, b Note) bool {
	return a.ID == b.ID && a.Text == b.Text && UnixMilli(a.UpdatedAt) == UnixMilli(b.UpdatedAt)
}
