package ingestion

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

var (
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrEmptyDocument          = errors.New("no text extracted from document")
	ErrTooLarge               = errors.New("document exceeds size limit")
)

const (
	ContentTypeText     = "text/plain"
	ContentTypeMarkdown = "text/markdown"
	ContentTypeHTML     = "text/html"
	ContentTypePDF      = "application/pdf"
)

var whitespace = regexp.MustCompile(`[ \t]+`)
var blankLines = regexp.MustCompile(`\n{3,}`)

// NormalizeContentType strips parameters such as charset and lowercases the media type.
func NormalizeContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

func Supported(contentType string) bool {
	switch NormalizeContentType(contentType) {
	case ContentTypeText, ContentTypeMarkdown, ContentTypeHTML, ContentTypePDF:
		return true
	}
	return false
}

// Extract returns the plain text of a document. PDF pages are prefixed with [Page N] markers.
func Extract(contentType string, data []byte) (string, error) {
	var text string
	var err error

	switch NormalizeContentType(contentType) {
	case ContentTypeText, ContentTypeMarkdown:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("failed to decode text: invalid utf-8")
		}
		text = string(data)
	case ContentTypeHTML:
		text, err = cleanHTML(data)
	case ContentTypePDF:
		text, err = extractPDF(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

func cleanHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	doc.Find("body").Each(func(i int, s *goquery.Selection) {
		b.WriteString(s.Text())
	})

	text := whitespace.ReplaceAllString(b.String(), " ")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return text, nil
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("failed to read pdf page %d: %w", i, err)
		}
		if content = strings.TrimSpace(content); content != "" {
			pages = append(pages, fmt.Sprintf("[Page %d]\n%s", i, content))
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
