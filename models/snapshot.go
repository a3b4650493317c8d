package models

import "time"

// PageSnapshot is the raw loaded page content plus capture metadata.
// It is produced by nav, consumed exactly once by extract, then discarded.
type PageSnapshot struct {
	Target     Target
	HTML       string
	FinalURL   string
	StatusCode int
	SessionID  string
	CapturedAt time.Time

	// NextCursor, when non-empty, means the page has more content past
	// this capture. nav turns it into a follow-up Target; the snapshot
	// itself never travels further than extraction.
	NextCursor string
}
