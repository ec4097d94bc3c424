// Package pdfinspect reads PDF structure without rendering: page counts for
// upload registration and embedded text for the born-digital fast path.
package pdfinspect

import (
	"bytes"
	"fmt"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// PageCount parses the PDF and returns its page count. A parse failure means
// the bytes are not a usable PDF.
func PageCount(data []byte) (int, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	return doc.NumPage(), nil
}

// PageTexts returns the embedded text of each page. Pages without a text
// layer come back empty; scanned pages typically have none.
func PageTexts(data []byte) ([]string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}
	total := doc.NumPage()
	out := make([]string, 0, total)
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			out = append(out, "")
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		out = append(out, strings.TrimSpace(content))
	}
	return out, nil
}
