// Package extract turns page snapshots into typed records by applying
// declarative field schemas. Selectors are the platform's data-e2e
// hooks with class-based fallbacks; a missing optional field becomes an
// empty value, a missing required field fails only its own snapshot.
package extract

import (
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"

	"github.com/tokwatch/tokwatch/models"
)

// Field keys shared with the sink and the runner.
const (
	FieldFollowerCount = "follower_count"
	FieldTotalLikes    = "total_likes"
	FieldVideoURL      = "video_url"
	FieldViews         = "views"
	FieldLikes         = "likes"
	FieldComments      = "comments"
	FieldShares        = "shares"
	FieldDescription   = "description"
	FieldDescriptionMD = "description_markdown"
	FieldHashtags      = "hashtags"
	FieldPostingTime   = "posting_time"
	FieldPinned        = "pinned"
)

var gridItemSelectors = []string{
	`div[data-e2e="user-post-item"]`,
	`div[class*="DivItemContainer"]`,
}

// Engine applies the account and video schemas to snapshots.
type Engine struct {
	account Schema
	video   Schema
	conv    *converter.Converter
}

// NewEngine builds the extraction engine and validates every selector.
func NewEngine() (*Engine, error) {
	e := &Engine{
		account: Schema{
			Name: "account",
			Fields: []FieldSpec{
				{
					Key:      FieldFollowerCount,
					Required: true,
					Parse:    parseCountField,
					Selectors: []string{
						`strong[data-e2e="followers-count"]`,
						`strong[title="Followers"]`,
					},
				},
				{
					Key:   FieldTotalLikes,
					Parse: parseCountField,
					Selectors: []string{
						`strong[data-e2e="likes-count"]`,
						`strong[title="Likes"]`,
					},
				},
			},
		},
		video: Schema{
			Name: "video",
			Fields: []FieldSpec{
				{
					Key:      FieldLikes,
					Required: true,
					Parse:    parseCountField,
					Selectors: []string{
						`strong[data-e2e="like-count"]`,
						`strong[data-e2e="browse-like-count"]`,
					},
				},
				{
					Key:   FieldComments,
					Parse: parseCountField,
					Selectors: []string{
						`strong[data-e2e="comment-count"]`,
						`strong[data-e2e="browse-comment-count"]`,
					},
				},
				{
					Key:   FieldShares,
					Parse: parseCountField,
					Selectors: []string{
						`strong[data-e2e="share-count"]`,
					},
				},
				{
					Key: FieldDescription,
					Selectors: []string{
						`[data-e2e="browse-video-desc"]`,
						`[data-e2e="video-desc"]`,
					},
				},
			},
		},
		conv: newDescriptionConverter(),
	}

	if err := e.account.Validate(); err != nil {
		return nil, models.NewPipelineError(models.ErrCodeConfigInvalid, "account schema invalid", err)
	}
	if err := e.video.Validate(); err != nil {
		return nil, models.NewPipelineError(models.ErrCodeConfigInvalid, "video schema invalid", err)
	}
	return e, nil
}

// Extract parses the snapshot and produces records for it. Profile
// snapshots yield one account record plus a stub per grid tile; video
// snapshots yield one full video record.
func (e *Engine) Extract(snap *models.PageSnapshot) ([]models.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, models.NewPipelineError(
			models.ErrCodeExtractMalformed,
			"snapshot HTML failed to parse",
			err,
		)
	}

	switch snap.Target.Kind {
	case models.TargetProfile:
		return e.extractProfile(doc, snap)
	case models.TargetVideo:
		return e.extractVideo(doc, snap)
	default:
		return nil, models.NewPipelineError(
			models.ErrCodeExtractMalformed,
			"unknown target kind "+string(snap.Target.Kind),
			nil,
		)
	}
}

func (e *Engine) extractProfile(doc *goquery.Document, snap *models.PageSnapshot) ([]models.Record, error) {
	now := time.Now().UTC()

	fields, missing, err := e.account.Apply(doc.Selection)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeExtractMalformed, "account extraction failed", err)
	}
	if missing != "" {
		return nil, models.NewPipelineError(
			models.ErrCodeExtractMissingKey,
			"profile page missing required field "+missing,
			nil,
		)
	}

	records := []models.Record{{
		EntityID:    models.AccountEntityID(snap.Target.Handle, now),
		Kind:        models.RecordAccount,
		Fields:      fields,
		Source:      snap.Target,
		SessionID:   snap.SessionID,
		ExtractedAt: now,
	}}

	for _, r := range e.extractStubs(doc, snap, now) {
		records = append(records, r)
	}
	return records, nil
}

// extractStubs walks the post grid and builds a partial record per tile.
// Tiles without a parseable video link are skipped; they are usually
// placeholder skeletons from interrupted lazy loading.
func (e *Engine) extractStubs(doc *goquery.Document, snap *models.PageSnapshot, now time.Time) []models.Record {
	var stubs []models.Record
	seen := make(map[string]struct{})

	for _, itemSel := range gridItemSelectors {
		items := doc.Find(itemSel)
		if items.Length() == 0 {
			continue
		}

		items.Each(func(_ int, item *goquery.Selection) {
			href, ok := item.Find(`a[href*="/video/"]`).First().Attr("href")
			if !ok {
				return
			}
			id := VideoIDFromURL(href)
			if id == "" {
				return
			}
			if _, dup := seen[id]; dup {
				return
			}
			seen[id] = struct{}{}

			fields := map[string]string{
				FieldVideoURL: href,
			}
			if views, found := firstMatch(item, []string{
				`strong[data-e2e="video-views"]`,
				`strong[class*="video-count"]`,
			}, ""); found {
				if parsed, perr := parseCountField(views); perr == nil {
					fields[FieldViews] = parsed
				}
			}
			fields[FieldPinned] = "false"
			if badge := item.Find(`div[data-e2e="video-card-badge"]`).First(); badge.Length() > 0 {
				if strings.Contains(strings.ToLower(badge.Text()), "pinned") {
					fields[FieldPinned] = "true"
				}
			}
			if ts, terr := PostingTimeFromID(id); terr == nil {
				fields[FieldPostingTime] = ts.Format(time.RFC3339)
			}

			stubs = append(stubs, models.Record{
				EntityID:    models.VideoEntityID(id),
				Kind:        models.RecordVideoStub,
				Fields:      fields,
				Source:      snap.Target,
				SessionID:   snap.SessionID,
				ExtractedAt: now,
			})
		})
		break
	}
	return stubs
}

func (e *Engine) extractVideo(doc *goquery.Document, snap *models.PageSnapshot) ([]models.Record, error) {
	now := time.Now().UTC()

	id := VideoIDFromURL(snap.Target.URL)
	if id == "" {
		id = VideoIDFromURL(canonicalURL(doc))
	}
	if id == "" {
		return nil, models.NewPipelineError(
			models.ErrCodeExtractMissingKey,
			"video snapshot carries no video id",
			nil,
		)
	}

	fields, missing, err := e.video.Apply(doc.Selection)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeExtractMalformed, "video extraction failed", err)
	}
	if missing != "" {
		return nil, models.NewPipelineError(
			models.ErrCodeExtractMissingKey,
			"video page missing required field "+missing,
			nil,
		)
	}

	fields[FieldVideoURL] = snap.Target.URL
	if ts, terr := PostingTimeFromID(id); terr == nil {
		fields[FieldPostingTime] = ts.Format(time.RFC3339)
	}

	if desc := findDescription(doc); desc != nil {
		fields[FieldHashtags] = hashtagsFromDescription(desc)
		if descHTML, herr := desc.Html(); herr == nil && descHTML != "" {
			fields[FieldDescriptionMD] = descriptionMarkdown(e.conv, descHTML)
		}
	}

	return []models.Record{{
		EntityID:    models.VideoEntityID(id),
		Kind:        models.RecordVideo,
		Fields:      fields,
		Source:      snap.Target,
		SessionID:   snap.SessionID,
		ExtractedAt: now,
	}}, nil
}

func findDescription(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{
		`[data-e2e="browse-video-desc"]`,
		`[data-e2e="video-desc"]`,
	} {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	return nil
}

// hashtagsFromDescription collects tag names from the description's
// anchors, preferring the visible "#name" text and falling back to the
// /tag/ path segment of the href.
func hashtagsFromDescription(desc *goquery.Selection) string {
	set := make(map[string]struct{})

	desc.Find("a").Each(func(_ int, a *goquery.Selection) {
		text := strings.TrimSpace(a.Text())
		if strings.HasPrefix(text, "#") {
			if tag := strings.TrimSpace(text[1:]); tag != "" {
				set[tag] = struct{}{}
				return
			}
		}
		if href, ok := a.Attr("href"); ok {
			if idx := strings.Index(href, "/tag/"); idx >= 0 {
				tag := href[idx+len("/tag/"):]
				if q := strings.IndexAny(tag, "?#/"); q >= 0 {
					tag = tag[:q]
				}
				if tag != "" {
					set[tag] = struct{}{}
				}
			}
		}
	})

	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return strings.Join(tags, ",")
}

func canonicalURL(doc *goquery.Document) string {
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		return href
	}
	if content, ok := doc.Find(`meta[property="og:url"]`).First().Attr("content"); ok {
		return content
	}
	return ""
}
