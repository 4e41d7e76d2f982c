// Package export renders a summary's content into a downloadable
// format, per spec.md §4.4's EXPORT handler.
package export

import (
	"errors"
	"fmt"
	"html"
)

// ErrUnsupportedFormat is returned for an export target this package
// cannot produce. The router translates it to BadInput.
var ErrUnsupportedFormat = errors.New("export: unsupported format")

const htmlTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body><pre>%s</pre></body>
</html>
`

// Render converts content to the requested extension ("txt", "md",
// "html", "pdf"). txt and md are passthrough, matching the original's
// build_md/build_txt no-ops; html wraps content in a minimal
// template. pdf has no implementation: no vetted PDF-rendering
// library appears anywhere in the example corpus, and fabricating a
// dependency is worse than leaving the gap explicit, so pdf always
// returns ErrUnsupportedFormat for the router to surface as BadInput.
func Render(content, ext string) ([]byte, error) {
	switch ext {
	case "txt", "md":
		return []byte(content), nil
	case "html":
		return []byte(fmt.Sprintf(htmlTemplate, html.EscapeString(content))), nil
	case "pdf":
		return nil, ErrUnsupportedFormat
	default:
		return nil, ErrUnsupportedFormat
	}
}
