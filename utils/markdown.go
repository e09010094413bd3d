package utils

import (
	"bytes"
	"html/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	md = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
	)
	sanitizer = bluemonday.UGCPolicy()
)

// RenderMarkdown converts Markdown source to sanitized HTML safe to inline in
// a template. Rendering failures fall back to the escaped source text rather
// than dropping the post body.
func RenderMarkdown(source string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(source), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(source))
	}
	return template.HTML(sanitizer.SanitizeBytes(buf.Bytes()))
}

// Sanitize cleans HTML content to prevent XSS attacks.
func Sanitize(input string) string {
	return sanitizer.Sanitize(input)
}
