package handler

import (
	"bytes"
	"fmt"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Linkify))

const pageLayout = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s</title>
<style>body{font-family:system-ui,sans-serif;max-width:36rem;margin:4rem auto;padding:0 1rem;line-height:1.5}</style>
</head>
<body>
%s</body>
</html>
`

// renderPage converts a markdown body into a standalone HTML page. Raw HTML
// in body is dropped.
func renderPage(title, body string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		buf.Reset()
		buf.WriteString("<p>" + html.EscapeString(body) + "</p>\n")
	}
	return fmt.Sprintf(pageLayout, html.EscapeString(title), buf.String())
}

// escapeMarkdown keeps user-supplied text from being read as markup.
func escapeMarkdown(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '\\', '`', '*', '_', '{', '}', '[', ']', '(', ')', '#', '+', '-', '.', '!', '<', '>', '|':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
