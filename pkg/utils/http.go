package utils

import (
	"io"
	"strings"
)

// maxDrain bounds how much of an unwanted body is discarded before closing.
const maxDrain = 64 << 10

// BodySnippet returns at most limit bytes of rc as trimmed text, then discards
// a bounded remainder and closes rc. A nil rc yields "".
func BodySnippet(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer rc.Close()
	b, _ := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxDrain))
	return strings.TrimSpace(string(b))
}
