package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// ParseFunc normalizes a raw selector match into a stored field value.
type ParseFunc func(raw string) (string, error)

// FieldSpec declares how one output field is pulled from a page:
// selector fallbacks tried in order, an optional attribute instead of
// text content, a required flag, and an optional parser. The page
// structure is not under this system's control, so every spec that can
// reasonably carry a fallback selector does.
type FieldSpec struct {
	Key       string
	Selectors []string
	Attr      string
	Required  bool
	Parse     ParseFunc
}

// Schema is an ordered set of field specs applied to one selection root.
type Schema struct {
	Name   string
	Fields []FieldSpec
}

// Validate compiles every selector in the schema, catching typos at
// startup instead of silently matching nothing per page.
func (s Schema) Validate() error {
	for _, f := range s.Fields {
		if len(f.Selectors) == 0 {
			return fmt.Errorf("schema %s: field %s has no selectors", s.Name, f.Key)
		}
		for _, sel := range f.Selectors {
			if _, err := cascadia.Parse(sel); err != nil {
				return fmt.Errorf("schema %s: field %s: bad selector %q: %w", s.Name, f.Key, sel, err)
			}
		}
	}
	return nil
}

// Apply evaluates the schema against root. Missing optional fields are
// stored as empty strings; the first missing required field is reported
// through missingKey. Parser failures on optional fields degrade to
// empty values rather than failing the snapshot.
func (s Schema) Apply(root *goquery.Selection) (map[string]string, string, error) {
	out := make(map[string]string, len(s.Fields))

	for _, f := range s.Fields {
		raw, found := firstMatch(root, f.Selectors, f.Attr)
		if !found {
			if f.Required {
				return nil, f.Key, nil
			}
			out[f.Key] = ""
			continue
		}

		if f.Parse != nil {
			parsed, err := f.Parse(raw)
			if err != nil {
				if f.Required {
					return nil, "", fmt.Errorf("field %s: %w", f.Key, err)
				}
				out[f.Key] = ""
				continue
			}
			raw = parsed
		}
		out[f.Key] = raw
	}
	return out, "", nil
}

// firstMatch tries each selector in order and returns the first
// non-empty text (or attribute) hit.
func firstMatch(root *goquery.Selection, selectors []string, attr string) (string, bool) {
	for _, sel := range selectors {
		found := root.Find(sel).First()
		if found.Length() == 0 {
			continue
		}
		var val string
		if attr != "" {
			v, ok := found.Attr(attr)
			if !ok {
				continue
			}
			val = v
		} else {
			val = found.Text()
		}
		val = strings.TrimSpace(val)
		if val != "" {
			return val, true
		}
	}
	return "", false
}

// parseCountField adapts ParseCount to the ParseFunc signature.
func parseCountField(raw string) (string, error) {
	n, err := ParseCount(raw)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}
