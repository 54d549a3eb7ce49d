package ehr

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// TextExtractor pulls plain text out of the leading pages of a document.
type TextExtractor interface {
	ExtractText(path string, maxPages int) (string, error)
}

// PDFExtractor reads page text with github.com/ledongthuc/pdf.
type PDFExtractor struct{}

func (PDFExtractor) ExtractText(path string, maxPages int) (text string, err error) {
	// the parser panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	pages := r.NumPage()
	if maxPages > 0 && pages > maxPages {
		pages = maxPages
	}
	for i := 1; i <= pages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		s, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		sb.WriteString(s)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
