// Package extract provides text extraction from PDF, Markdown, HTML and plain text documents.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExtensions are the file types ingested when none are configured.
var DefaultExtensions = []string{"pdf", "md", "markdown", "txt", "html", "htm"}

// Document is the text of one file plus metadata found inside it
// (markdown front matter, HTML title, PDF page count, PII counts).
type Document struct {
	Text string
	Meta map[string]interface{}
}

// Extractor extracts plain text from document files.
type Extractor struct {
	extensions map[string]bool
}

// NewExtractor returns an Extractor accepting the given extensions (without
// the leading dot). With no arguments DefaultExtensions are used.
func NewExtractor(extensions ...string) *Extractor {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	set := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		set[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Extractor{extensions: set}
}

// Supports reports whether path has an accepted extension.
func (e *Extractor) Supports(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	return ext != "" && e.extensions[ext]
}

// Extract reads the file at path and returns its text and embedded metadata.
// Returns an error if the file cannot be read or the format is unsupported.
func (e *Extractor) Extract(path string) (*Document, error) {
	if !e.Supports(path) {
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, strings.ToLower(filepath.Ext(path)))
}

// ExtractBytes extracts text from content based on the given extension.
// ext should include the leading dot (e.g. ".pdf"). Unknown extensions are treated as plain text.
func (e *Extractor) ExtractBytes(content []byte, ext string) (*Document, error) {
	var doc *Document
	var err error
	switch ext {
	case ".pdf":
		doc, err = extractPDF(content)
	case ".md", ".markdown":
		doc, err = extractMarkdown(content)
	case ".html", ".htm":
		doc, err = extractHTML(content)
	default:
		doc = &Document{Text: extractPlain(content), Meta: map[string]interface{}{}}
	}
	if err != nil {
		return nil, err
	}
	if pii := DetectPII(doc.Text); len(pii) > 0 {
		doc.Meta["pii_warnings"] = pii
	}
	return doc, nil
}
