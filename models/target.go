package models

import "fmt"

// TargetKind discriminates the unit of work a Target describes.
type TargetKind string

const (
	// TargetProfile is an account profile page. With an empty cursor it is
	// a seed; with a cursor it is a deeper scroll of the same post grid.
	TargetProfile TargetKind = "profile"

	// TargetVideo is an individual video page, derived from a grid stub.
	TargetVideo TargetKind = "video"
)

// Target is one immutable unit of scrape work. Seeds are built from the
// configured account handles; follow-ups are synthesized from pagination
// cursors (nav) or from grid stub records (runner).
type Target struct {
	Kind   TargetKind `json:"kind"`
	Handle string     `json:"handle"`
	URL    string     `json:"url"`

	// Cursor is an opaque pagination token. Only nav produces and
	// consumes it; everyone else treats it as a black box.
	Cursor string `json:"cursor,omitempty"`

	// Depth counts pagination hops from the seed (seed = 0).
	Depth int `json:"depth"`

	// Parent is the handle of the seed this target descends from.
	// Provenance only; it never influences scheduling.
	Parent string `json:"parent,omitempty"`
}

// ProfileTarget builds a seed target for an account handle.
func ProfileTarget(handle string) Target {
	return Target{
		Kind:   TargetProfile,
		Handle: handle,
		URL:    fmt.Sprintf("https://www.tiktok.com/@%s", handle),
		Parent: handle,
	}
}

// VideoTarget builds a detail target for a video discovered on a grid.
func VideoTarget(parentHandle, videoURL string) Target {
	return Target{
		Kind:   TargetVideo,
		Handle: parentHandle,
		URL:    videoURL,
		Parent: parentHandle,
	}
}

// Key is a stable identity for queue bookkeeping and logging.
func (t Target) Key() string {
	if t.Cursor != "" {
		return fmt.Sprintf("%s:%s:%s", t.Kind, t.URL, t.Cursor)
	}
	return fmt.Sprintf("%s:%s", t.Kind, t.URL)
}
