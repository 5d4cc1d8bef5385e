package report

import (
	"bytes"
	"fmt"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

const htmlPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 72rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.25rem 0.6rem; }
code { background: #f4f4f4; padding: 0 0.2rem; }
pre { overflow-x: auto; background: #f4f4f4; padding: 0.75rem; }
</style>
</head>
<body>
%s</body>
</html>
`

// RenderHTML converts a rendered markdown report into a standalone HTML page.
func RenderHTML(markdown, title string) (string, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return fmt.Sprintf(htmlPage, html.EscapeString(title), body.String()), nil
}
