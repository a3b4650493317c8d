package extract

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tokwatch/tokwatch/models"
)

// testVideoID builds a numeric video id whose embedded timestamp is age
// before now.
func testVideoID(t *testing.T, age time.Duration, low uint32) string {
	t.Helper()
	ts := time.Now().Add(-age).Unix()
	return strconv.FormatUint(uint64(ts)<<32|uint64(low), 10)
}

func profileHTML(id1, id2 string) string {
	return fmt.Sprintf(`<html><body>
		<strong data-e2e="followers-count">1.2M</strong>
		<strong data-e2e="likes-count">3.4M</strong>
		<div data-e2e="user-post-item">
			<a href="/@alice/video/%s">first</a>
			<strong data-e2e="video-views">10.5K</strong>
			<div data-e2e="video-card-badge">Pinned</div>
		</div>
		<div data-e2e="user-post-item">
			<a href="/@alice/video/%s">second</a>
			<strong class="css-video-count-x">200</strong>
		</div>
	</body></html>`, id1, id2)
}

func profileSnapshot(html string) *models.PageSnapshot {
	return &models.PageSnapshot{
		Target:     models.ProfileTarget("alice"),
		HTML:       html,
		SessionID:  "sess-1",
		CapturedAt: time.Now().UTC(),
	}
}

func TestExtract_ProfilePage(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	id1 := testVideoID(t, 2*time.Hour, 1)
	id2 := testVideoID(t, 48*time.Hour, 2)

	records, err := engine.Extract(profileSnapshot(profileHTML(id1, id2)))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3 (account + 2 stubs)", len(records))
	}

	account := records[0]
	if account.Kind != models.RecordAccount {
		t.Errorf("first record kind = %s, want account", account.Kind)
	}
	if !strings.HasPrefix(account.EntityID, "account:alice:") {
		t.Errorf("account entity id = %q", account.EntityID)
	}
	if got := account.Fields[FieldFollowerCount]; got != "1200000" {
		t.Errorf("follower_count = %q, want 1200000", got)
	}
	if got := account.Fields[FieldTotalLikes]; got != "3400000" {
		t.Errorf("total_likes = %q, want 3400000", got)
	}

	stub1 := records[1]
	if stub1.Kind != models.RecordVideoStub {
		t.Errorf("second record kind = %s, want video_stub", stub1.Kind)
	}
	if stub1.EntityID != "video:"+id1 {
		t.Errorf("stub entity id = %q, want video:%s", stub1.EntityID, id1)
	}
	if got := stub1.Fields[FieldViews]; got != "10500" {
		t.Errorf("stub views = %q, want 10500", got)
	}
	if got := stub1.Fields[FieldPinned]; got != "true" {
		t.Errorf("badged tile pinned = %q, want true", got)
	}
	if stub1.Fields[FieldPostingTime] == "" {
		t.Error("stub posting_time should be decoded from the id")
	}

	stub2 := records[2]
	if got := stub2.Fields[FieldPinned]; got != "false" {
		t.Errorf("unbadged tile pinned = %q, want false", got)
	}
	if got := stub2.Fields[FieldViews]; got != "200" {
		t.Errorf("fallback views selector gave %q, want 200", got)
	}
}

func TestExtract_ProfileMissingFollowers(t *testing.T) {
	engine, _ := NewEngine()

	html := `<html><body><h1>alice</h1><p>some unrelated page</p></body></html>`
	_, err := engine.Extract(profileSnapshot(html))
	if err == nil {
		t.Fatal("profile without a follower count should fail")
	}
	if code := models.ErrCode(err); code != models.ErrCodeExtractMissingKey {
		t.Errorf("error code = %q, want %q", code, models.ErrCodeExtractMissingKey)
	}
}

func TestExtract_ProfileSkipsBrokenTiles(t *testing.T) {
	engine, _ := NewEngine()

	id := testVideoID(t, time.Hour, 7)
	html := fmt.Sprintf(`<html><body>
		<strong data-e2e="followers-count">10</strong>
		<div data-e2e="user-post-item"><span>skeleton tile, no link</span></div>
		<div data-e2e="user-post-item"><a href="/@alice/video/%s">ok</a></div>
		<div data-e2e="user-post-item"><a href="/@alice/video/%s">dup</a></div>
	</body></html>`, id, id)

	records, err := engine.Extract(profileSnapshot(html))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// account + one stub: the skeleton is skipped and the dup collapsed.
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}

func TestExtract_VideoPage(t *testing.T) {
	engine, _ := NewEngine()

	id := testVideoID(t, 3*time.Hour, 9)
	html := `<html><body>
		<strong data-e2e="like-count">45.2K</strong>
		<strong data-e2e="comment-count">1,204</strong>
		<strong data-e2e="share-count">312</strong>
		<div data-e2e="browse-video-desc">
			cooking asmr
			<a href="/tag/cooking">#cooking</a>
			<a href="/tag/asmr?lang=en">#asmr</a>
		</div>
	</body></html>`

	snap := &models.PageSnapshot{
		Target:     models.VideoTarget("alice", "https://www.tiktok.com/@alice/video/"+id),
		HTML:       html,
		SessionID:  "sess-1",
		CapturedAt: time.Now().UTC(),
	}

	records, err := engine.Extract(snap)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	rec := records[0]
	if rec.Kind != models.RecordVideo {
		t.Errorf("kind = %s, want video", rec.Kind)
	}
	if rec.EntityID != "video:"+id {
		t.Errorf("entity id = %q, want video:%s", rec.EntityID, id)
	}
	if got := rec.Fields[FieldLikes]; got != "45200" {
		t.Errorf("likes = %q, want 45200", got)
	}
	if got := rec.Fields[FieldComments]; got != "1204" {
		t.Errorf("comments = %q, want 1204", got)
	}
	if got := rec.Fields[FieldShares]; got != "312" {
		t.Errorf("shares = %q, want 312", got)
	}
	if got := rec.Fields[FieldHashtags]; got != "asmr,cooking" {
		t.Errorf("hashtags = %q, want asmr,cooking (sorted)", got)
	}
	if rec.Fields[FieldPostingTime] == "" {
		t.Error("posting_time should be decoded from the id")
	}
	if rec.Fields[FieldDescriptionMD] == "" {
		t.Error("description markdown should be produced for a non-empty description")
	}
}

func TestExtract_VideoIDFromCanonicalLink(t *testing.T) {
	engine, _ := NewEngine()

	id := testVideoID(t, time.Hour, 3)
	html := fmt.Sprintf(`<html><head>
		<link rel="canonical" href="https://www.tiktok.com/@alice/video/%s"/>
	</head><body>
		<strong data-e2e="like-count">5</strong>
	</body></html>`, id)

	snap := &models.PageSnapshot{
		Target: models.VideoTarget("alice", "https://www.tiktok.com/t/shortlink"),
		HTML:   html,
	}

	records, err := engine.Extract(snap)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if records[0].EntityID != "video:"+id {
		t.Errorf("entity id = %q, want video:%s (from canonical link)", records[0].EntityID, id)
	}
}

func TestExtract_VideoMissingLikes(t *testing.T) {
	engine, _ := NewEngine()

	id := testVideoID(t, time.Hour, 4)
	snap := &models.PageSnapshot{
		Target: models.VideoTarget("alice", "https://www.tiktok.com/@alice/video/"+id),
		HTML:   `<html><body><p>nothing useful</p></body></html>`,
	}

	_, err := engine.Extract(snap)
	if code := models.ErrCode(err); code != models.ErrCodeExtractMissingKey {
		t.Errorf("error code = %q, want %q", code, models.ErrCodeExtractMissingKey)
	}
}
