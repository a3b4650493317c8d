package extract

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func selectionFrom(t *testing.T, html string) *goquery.Selection {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return doc.Selection
}

func TestSchemaValidate_BadSelector(t *testing.T) {
	s := Schema{
		Name: "broken",
		Fields: []FieldSpec{
			{Key: "x", Selectors: []string{`div[unclosed`}},
		},
	}
	if err := s.Validate(); err == nil {
		t.Error("unparseable selector should fail validation")
	}
}

func TestSchemaValidate_NoSelectors(t *testing.T) {
	s := Schema{Name: "empty", Fields: []FieldSpec{{Key: "x"}}}
	if err := s.Validate(); err == nil {
		t.Error("field without selectors should fail validation")
	}
}

func TestSchemaApply_FallbackOrder(t *testing.T) {
	s := Schema{
		Name: "t",
		Fields: []FieldSpec{
			{Key: "v", Selectors: []string{`.primary`, `.fallback`}},
		},
	}

	// Primary present: fallback must not win.
	root := selectionFrom(t, `<div class="primary">one</div><div class="fallback">two</div>`)
	fields, missing, err := s.Apply(root)
	if err != nil || missing != "" {
		t.Fatalf("Apply: missing=%q err=%v", missing, err)
	}
	if fields["v"] != "one" {
		t.Errorf("v = %q, want primary match", fields["v"])
	}

	// Primary absent: fallback serves.
	root = selectionFrom(t, `<div class="fallback">two</div>`)
	fields, _, _ = s.Apply(root)
	if fields["v"] != "two" {
		t.Errorf("v = %q, want fallback match", fields["v"])
	}
}

func TestSchemaApply_AttrExtraction(t *testing.T) {
	s := Schema{
		Name: "t",
		Fields: []FieldSpec{
			{Key: "href", Selectors: []string{"a"}, Attr: "href"},
		},
	}
	fields, _, _ := s.Apply(selectionFrom(t, `<a href="/video/1">text</a>`))
	if fields["href"] != "/video/1" {
		t.Errorf("href = %q, want /video/1", fields["href"])
	}
}

func TestSchemaApply_RequiredMissing(t *testing.T) {
	s := Schema{
		Name: "t",
		Fields: []FieldSpec{
			{Key: "needed", Required: true, Selectors: []string{`.absent`}},
		},
	}
	_, missing, err := s.Apply(selectionFrom(t, `<div>nothing</div>`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if missing != "needed" {
		t.Errorf("missing = %q, want needed", missing)
	}
}

func TestSchemaApply_OptionalParseFailureDegrades(t *testing.T) {
	s := Schema{
		Name: "t",
		Fields: []FieldSpec{
			{Key: "count", Selectors: []string{`.n`}, Parse: parseCountField},
		},
	}
	fields, missing, err := s.Apply(selectionFrom(t, `<div class="n">not a number</div>`))
	if err != nil || missing != "" {
		t.Fatalf("optional parse failure should not fail the schema: missing=%q err=%v", missing, err)
	}
	if fields["count"] != "" {
		t.Errorf("count = %q, want empty after parse failure", fields["count"])
	}
}

func TestSchemaApply_RequiredParseFailureFails(t *testing.T) {
	s := Schema{
		Name: "t",
		Fields: []FieldSpec{
			{Key: "count", Required: true, Selectors: []string{`.n`}, Parse: parseCountField},
		},
	}
	_, _, err := s.Apply(selectionFrom(t, `<div class="n">garbage</div>`))
	if err == nil {
		t.Error("required field with unparseable value should fail")
	}
}
