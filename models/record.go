package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// RecordKind discriminates what a Record describes.
type RecordKind string

const (
	// RecordAccount is a per-run account metrics row (followers, likes).
	RecordAccount RecordKind = "account"

	// RecordVideoStub is a partial video row scraped off the profile
	// grid (id, url, view count). The runner upgrades stubs to full
	// video records by enqueueing detail targets.
	RecordVideoStub RecordKind = "video_stub"

	// RecordVideo is a full video metrics row from the video page.
	RecordVideo RecordKind = "video"
)

// Record is one structured extraction result. EntityID is the dedup key;
// Fields hold the extracted values. Provenance (source target, session,
// capture time) is preserved for debugging and re-scraping.
type Record struct {
	EntityID    string            `json:"entity_id"`
	Kind        RecordKind        `json:"kind"`
	Fields      map[string]string `json:"fields"`
	Source      Target            `json:"source"`
	SessionID   string            `json:"session_id"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// AccountEntityID builds the entity id for an account metrics record.
// Account metrics are a time series, so the day is part of the key.
func AccountEntityID(handle string, day time.Time) string {
	return fmt.Sprintf("account:%s:%s", handle, day.Format("2006-01-02"))
}

// VideoEntityID builds the entity id for a video record.
func VideoEntityID(videoID string) string {
	return "video:" + videoID
}

// ContentHash returns a hex digest over the record's fields in key order.
// Provenance and timestamps are excluded so that re-scraping unchanged
// content hashes identically.
func (r Record) ContentHash() string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(r.EntityID))
	for _, k := range keys {
		h.Write([]byte("|"))
		h.Write([]byte(k))
		h.Write([]byte("="))
		h.Write([]byte(r.Fields[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
