package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tokwatch/tokwatch/extract"
	"github.com/tokwatch/tokwatch/models"
)

// CSV layouts. The account table is an append-only history (one row per
// scrape); the video table tracks the latest metrics per video with
// first_seen/last_updated change stamps.
var accountColumns = []string{
	"date",
	"scrape_timestamp",
	"account_name",
	"follower_count",
	"total_likes",
}

var videoColumns = []string{
	"video_id",
	"video_url",
	"posting_time",
	"views",
	"likes",
	"comments",
	"shares",
	"description",
	"hashtags",
	"first_seen",
	"last_updated",
}

// trackingTables holds the per-account CSV state between flushes.
// Access is serialized by the owning FileSink's mutex.
type trackingTables struct {
	// pendingAccounts are account history rows not yet appended to disk.
	pendingAccounts map[string][]map[string]string

	// videos is the full video table per handle, rewritten on flush.
	videos map[string][]map[string]string

	// latest maps handle -> video id -> index of the newest row.
	latest map[string]map[string]int

	dirtyVideos map[string]bool
}

func newTrackingTables() *trackingTables {
	return &trackingTables{
		pendingAccounts: make(map[string][]map[string]string),
		videos:          make(map[string][]map[string]string),
		latest:          make(map[string]map[string]int),
		dirtyVideos:     make(map[string]bool),
	}
}

// loadTrackingTables reads every existing video tracking CSV under dir
// so that updates merge into prior runs instead of clobbering them.
func loadTrackingTables(dir string) (*trackingTables, error) {
	t := newTrackingTables()

	matches, err := filepath.Glob(filepath.Join(dir, "*_video_tracking.csv"))
	if err != nil {
		return nil, ioErr("scan tracking files", err)
	}
	for _, path := range matches {
		handle := strings.TrimSuffix(filepath.Base(path), "_video_tracking.csv")
		if err := t.loadVideoTable(handle, path); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *trackingTables) loadVideoTable(handle, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return ioErr("open "+filepath.Base(path), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil || len(rows) == 0 {
		// Unreadable history costs continuity, not correctness; start fresh.
		return nil
	}

	header := rows[0]
	for _, raw := range rows[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(raw) {
				row[col] = raw[i]
			}
		}
		if row["video_id"] == "" {
			continue
		}
		t.appendVideoRow(handle, row)
	}
	return nil
}

// apply folds one record into the in-memory tables.
func (t *trackingTables) apply(rec models.Record, versioning string, firstSeen, now time.Time) {
	switch rec.Kind {
	case models.RecordAccount:
		t.applyAccount(rec, now)
	case models.RecordVideoStub, models.RecordVideo:
		t.applyVideo(rec, versioning, firstSeen, now)
	}
}

func (t *trackingTables) applyAccount(rec models.Record, now time.Time) {
	handle := rec.Source.Handle
	t.pendingAccounts[handle] = append(t.pendingAccounts[handle], map[string]string{
		"date":             now.Format("2006-01-02"),
		"scrape_timestamp": now.Format(time.RFC3339),
		"account_name":     handle,
		"follower_count":   rec.Fields[extract.FieldFollowerCount],
		"total_likes":      rec.Fields[extract.FieldTotalLikes],
	})
}

func (t *trackingTables) applyVideo(rec models.Record, versioning string, firstSeen, now time.Time) {
	handle := rec.Source.Handle
	id := strings.TrimPrefix(rec.EntityID, "video:")

	update := map[string]string{
		"video_id":     id,
		"video_url":    rec.Fields[extract.FieldVideoURL],
		"posting_time": rec.Fields[extract.FieldPostingTime],
		"views":        rec.Fields[extract.FieldViews],
		"likes":        rec.Fields[extract.FieldLikes],
		"comments":     rec.Fields[extract.FieldComments],
		"shares":       rec.Fields[extract.FieldShares],
		"description":  rec.Fields[extract.FieldDescription],
		"hashtags":     rec.Fields[extract.FieldHashtags],
	}

	idx, exists := t.latest[handle][id]
	if !exists {
		row := map[string]string{
			"first_seen":   firstSeen.Format(time.RFC3339),
			"last_updated": now.Format(time.RFC3339),
		}
		mergeRow(row, update)
		t.appendVideoRow(handle, row)
		t.dirtyVideos[handle] = true
		return
	}

	if versioning == "append" {
		// Keep history: clone the latest row, merge, append as a new row.
		prev := t.videos[handle][idx]
		row := make(map[string]string, len(prev))
		for k, v := range prev {
			row[k] = v
		}
		mergeRow(row, update)
		row["last_updated"] = now.Format(time.RFC3339)
		t.appendVideoRow(handle, row)
	} else {
		row := t.videos[handle][idx]
		mergeRow(row, update)
		row["last_updated"] = now.Format(time.RFC3339)
	}
	t.dirtyVideos[handle] = true
}

// mergeRow copies non-empty update values into row. Stub records carry
// only grid-visible fields; a later detail record fills in the rest
// without erasing what the stub saw.
func mergeRow(row, update map[string]string) {
	for k, v := range update {
		if v != "" {
			row[k] = v
		}
	}
}

func (t *trackingTables) appendVideoRow(handle string, row map[string]string) {
	t.videos[handle] = append(t.videos[handle], row)
	if t.latest[handle] == nil {
		t.latest[handle] = make(map[string]int)
	}
	t.latest[handle][row["video_id"]] = len(t.videos[handle]) - 1
}

// writeAll flushes dirty video tables (whole-file atomic rewrite) and
// appends pending account history rows.
func (t *trackingTables) writeAll(dir string) error {
	for handle := range t.dirtyVideos {
		if err := t.writeVideoTable(dir, handle); err != nil {
			return err
		}
		delete(t.dirtyVideos, handle)
	}
	for handle, rows := range t.pendingAccounts {
		if len(rows) == 0 {
			continue
		}
		if err := appendAccountRows(dir, handle, rows); err != nil {
			return err
		}
		delete(t.pendingAccounts, handle)
	}
	return nil
}

func (t *trackingTables) writeVideoTable(dir, handle string) error {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(videoColumns); err != nil {
		return ioErr("encode video tracking header", err)
	}
	for _, row := range t.videos[handle] {
		fields := make([]string, len(videoColumns))
		for i, col := range videoColumns {
			fields[i] = row[col]
		}
		if err := w.Write(fields); err != nil {
			return ioErr("encode video tracking row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return ioErr("encode video tracking table", err)
	}
	return atomicWrite(filepath.Join(dir, handle+"_video_tracking.csv"), []byte(sb.String()))
}

func appendAccountRows(dir, handle string, rows []map[string]string) error {
	path := filepath.Join(dir, handle+"_account_metrics.csv")
	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return ioErr("open account metrics", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(accountColumns); err != nil {
			return ioErr("write account metrics header", err)
		}
	}
	for _, row := range rows {
		fields := make([]string, len(accountColumns))
		for i, col := range accountColumns {
			fields[i] = row[col]
		}
		if err := w.Write(fields); err != nil {
			return ioErr("write account metrics row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return ioErr("write account metrics", err)
	}
	return nil
}
