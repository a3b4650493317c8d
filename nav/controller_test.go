package nav

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/engine"
	"github.com/tokwatch/tokwatch/fingerprint"
	"github.com/tokwatch/tokwatch/models"
)

func TestCursor_RoundTrip(t *testing.T) {
	orig := Cursor{Depth: 2, Fingerprint: 0xdeadbeefcafe}
	decoded, err := DecodeCursor(orig.Encode())
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if decoded != orig {
		t.Errorf("round trip gave %+v, want %+v", decoded, orig)
	}
}

func TestDecodeCursor_Empty(t *testing.T) {
	c, err := DecodeCursor("")
	if err != nil {
		t.Fatalf("DecodeCursor(\"\"): %v", err)
	}
	if c != (Cursor{}) {
		t.Errorf("empty cursor should decode to zero value, got %+v", c)
	}
}

func TestDecodeCursor_Malformed(t *testing.T) {
	for _, in := range []string{"nocolon", "-1:00", "x:00", "1:zzz", "1:"} {
		if _, err := DecodeCursor(in); err == nil {
			t.Errorf("DecodeCursor(%q) should fail", in)
		}
	}
}

func TestClassifyPage(t *testing.T) {
	tests := []struct {
		name     string
		result   engine.FetchResult
		wantCode string
	}{
		{"ok", engine.FetchResult{StatusCode: 200, HTML: "<html>profile</html>", FinalURL: "https://www.tiktok.com/@alice"}, ""},
		{"status 404", engine.FetchResult{StatusCode: 404}, models.ErrCodeNavNotFound},
		{"status 403", engine.FetchResult{StatusCode: 403}, models.ErrCodeNavBlocked},
		{"status 429", engine.FetchResult{StatusCode: 429}, models.ErrCodeNavBlocked},
		{"login redirect", engine.FetchResult{StatusCode: 200, FinalURL: "https://www.tiktok.com/login?redirect=x"}, models.ErrCodeNavBlocked},
		{"account tombstone", engine.FetchResult{StatusCode: 200, HTML: "<p>Couldn't find this account</p>"}, models.ErrCodeNavNotFound},
		{"video tombstone", engine.FetchResult{StatusCode: 200, HTML: "Video currently unavailable"}, models.ErrCodeNavNotFound},
		{"captcha wall", engine.FetchResult{StatusCode: 200, HTML: `<div id="captcha-verify-container">robot?</div>`}, models.ErrCodeNavBlocked},
		{"security check", engine.FetchResult{StatusCode: 200, HTML: "Security Check: please verify"}, models.ErrCodeNavBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyPage(&tt.result)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("classifyPage = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("classifyPage = nil, want error")
			}
			if code := models.ErrCode(err); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestClassifyFetchError(t *testing.T) {
	ctx := context.Background()

	deadline := classifyFetchError(context.DeadlineExceeded, ctx)
	if code := models.ErrCode(deadline); code != models.ErrCodeNavTimeout {
		t.Errorf("deadline error code = %q, want %q", code, models.ErrCodeNavTimeout)
	}

	transient := classifyFetchError(errors.New("connection reset"), ctx)
	if code := models.ErrCode(transient); code != models.ErrCodeNavTransient {
		t.Errorf("transient error code = %q, want %q", code, models.ErrCodeNavTransient)
	}

	coded := models.NewPipelineError(models.ErrCodeBrowserCrash, "dead context", nil)
	if got := classifyFetchError(coded, ctx); got != coded {
		t.Error("pre-coded errors should pass through untouched")
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if got := classifyFetchError(errors.New("whatever"), canceled); !errors.Is(got, context.Canceled) {
		t.Errorf("caller cancellation should surface as ctx error, got %v", got)
	}
}

func TestNextCursor_DepthCap(t *testing.T) {
	c := NewController(nil, config.ScrapeConfig{MaxScrollDepth: 2, NavigationTimeout: time.Second})

	html := `<a href="/@alice/video/1111111111111111111">a</a>`
	target := models.ProfileTarget("alice")

	// Depth 1 -> 2 is allowed; depth 2 -> 3 exceeds the cap.
	if got := c.nextCursor(Cursor{Depth: 1, Fingerprint: 12345}, html, target); got == "" {
		t.Error("pagination below the cap should continue")
	}
	if got := c.nextCursor(Cursor{Depth: 2, Fingerprint: 12345}, html, target); got != "" {
		t.Errorf("pagination at the cap should stop, got cursor %q", got)
	}
}

func TestNextCursor_StableFingerprintStops(t *testing.T) {
	c := NewController(nil, config.ScrapeConfig{MaxScrollDepth: 10, NavigationTimeout: time.Second})

	html := `<a href="/@alice/video/1111111111111111111">a</a><a href="/@alice/video/2222222222222222222">b</a>`
	target := models.ProfileTarget("alice")
	fp := fingerprint.OfSnapshot(html)

	if got := c.nextCursor(Cursor{Depth: 1, Fingerprint: fp}, html, target); got != "" {
		t.Errorf("unchanged grid should end pagination, got cursor %q", got)
	}

	// A fresh grid keeps going and encodes the new depth.
	got := c.nextCursor(Cursor{Depth: 1, Fingerprint: fp ^ 0xFFFF}, html, target)
	if got == "" {
		t.Fatal("changed grid should produce a follow-up cursor")
	}
	decoded, err := DecodeCursor(got)
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if decoded.Depth != 2 {
		t.Errorf("next depth = %d, want 2", decoded.Depth)
	}
	if decoded.Fingerprint != fp {
		t.Error("next cursor should carry the current snapshot's fingerprint")
	}
}

func TestNextCursor_SeedNeverComparesFingerprint(t *testing.T) {
	c := NewController(nil, config.ScrapeConfig{MaxScrollDepth: 3, NavigationTimeout: time.Second})

	html := `<a href="/@alice/video/1111111111111111111">a</a>`
	// Depth 0 has no predecessor; even a zero fingerprint must not stop it.
	if got := c.nextCursor(Cursor{}, html, models.ProfileTarget("alice")); got == "" {
		t.Error("seed page should always get a follow-up cursor when below the cap")
	}
}

func TestNextTarget(t *testing.T) {
	c := NewController(nil, config.ScrapeConfig{MaxScrollDepth: 3})

	snap := &models.PageSnapshot{
		Target:     models.ProfileTarget("alice"),
		NextCursor: Cursor{Depth: 1, Fingerprint: 7}.Encode(),
	}
	next, ok := c.NextTarget(snap)
	if !ok {
		t.Fatal("snapshot with a cursor should produce a follow-up target")
	}
	if next.Cursor != snap.NextCursor {
		t.Error("follow-up target should carry the snapshot's cursor")
	}
	if next.Depth != 1 {
		t.Errorf("follow-up depth = %d, want 1", next.Depth)
	}
	if next.URL != snap.Target.URL || next.Handle != "alice" {
		t.Error("follow-up target should stay on the same profile")
	}

	done := &models.PageSnapshot{Target: models.ProfileTarget("alice")}
	if _, ok := c.NextTarget(done); ok {
		t.Error("snapshot without a cursor should not produce a follow-up")
	}

	video := &models.PageSnapshot{
		Target:     models.VideoTarget("alice", "https://www.tiktok.com/@alice/video/1"),
		NextCursor: "1:01",
	}
	if _, ok := c.NextTarget(video); ok {
		t.Error("video snapshots never paginate")
	}
}
