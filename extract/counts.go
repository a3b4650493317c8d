package extract

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseCount converts a display count like "1.5M" or "12,345" to a
// number. TikTok abbreviates with K/M/B suffixes and may use space or
// comma separators depending on locale.
func ParseCount(text string) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("empty count text")
	}

	text = strings.ReplaceAll(text, " ", "")
	text = strings.ReplaceAll(text, ",", "")

	multiplier := float64(1)
	upper := strings.ToUpper(text)
	switch {
	case strings.HasSuffix(upper, "K"):
		multiplier = 1_000
		text = text[:len(text)-1]
	case strings.HasSuffix(upper, "M"):
		multiplier = 1_000_000
		text = text[:len(text)-1]
	case strings.HasSuffix(upper, "B"):
		multiplier = 1_000_000_000
		text = text[:len(text)-1]
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed count %q: %w", text, err)
	}
	return int64(f * multiplier), nil
}

// PostingTimeFromID decodes the upload time embedded in a video id: the
// top 32 bits of the numeric id are a unix timestamp.
func PostingTimeFromID(videoID string) (time.Time, error) {
	id, err := strconv.ParseUint(videoID, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("video id %q is not numeric: %w", videoID, err)
	}
	ts := int64(id >> 32)
	if ts <= 0 {
		return time.Time{}, fmt.Errorf("video id %q carries no timestamp", videoID)
	}
	return time.Unix(ts, 0).UTC(), nil
}

// VideoIDFromURL pulls the numeric video id out of a video page URL
// (".../video/<id>"). Query strings and trailing slashes are tolerated.
func VideoIDFromURL(rawURL string) string {
	idx := strings.Index(rawURL, "/video/")
	if idx < 0 {
		return ""
	}
	id := rawURL[idx+len("/video/"):]
	if q := strings.IndexAny(id, "?#/"); q >= 0 {
		id = id[:q]
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return id
}
