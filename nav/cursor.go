package nav

import (
	"fmt"
	"strconv"
	"strings"
)

// Cursor is the decoded form of a target's opaque pagination cursor. It
// records how deep the previous capture scrolled and the fingerprint of
// what it saw, so the next load can scroll past it and detect when the
// grid stops growing. Only this package reads or writes the encoding;
// everything else passes the string through untouched.
type Cursor struct {
	Depth       int
	Fingerprint uint64
}

// Encode renders the cursor as an opaque string.
func (c Cursor) Encode() string {
	return fmt.Sprintf("%d:%016x", c.Depth, c.Fingerprint)
}

// DecodeCursor parses an opaque cursor string. An empty string is the
// zero cursor (first page, no prior fingerprint).
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	depthStr, fpStr, ok := strings.Cut(s, ":")
	if !ok {
		return Cursor{}, fmt.Errorf("cursor %q: missing separator", s)
	}
	depth, err := strconv.Atoi(depthStr)
	if err != nil || depth < 0 {
		return Cursor{}, fmt.Errorf("cursor %q: bad depth", s)
	}
	fp, err := strconv.ParseUint(fpStr, 16, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor %q: bad fingerprint", s)
	}
	return Cursor{Depth: depth, Fingerprint: fp}, nil
}
