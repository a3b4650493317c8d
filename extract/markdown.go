package extract

import (
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
)

// newDescriptionConverter creates a reusable, goroutine-safe converter
// for video description containers. Descriptions carry mention links,
// tag anchors, and emphasis spans; markdown keeps that structure in a
// plain-text-safe form for the persisted record.
func newDescriptionConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
}

// descriptionMarkdown converts a description container's HTML to
// markdown, resolving relative links against the platform domain.
func descriptionMarkdown(conv *converter.Converter, descHTML string) string {
	md, err := conv.ConvertString(descHTML, converter.WithDomain("https://www.tiktok.com"))
	if err != nil {
		return ""
	}
	return md
}
