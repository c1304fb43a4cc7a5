package e2e

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
)

// Render returns the file bytes for doc in the format named by its extension.
// Markdown files carry a front matter block with the topic; HTML files wrap
// the content in a page that also contains a script the extractor must drop.
func Render(doc CorpusDocument) []byte {
	switch strings.ToLower(filepath.Ext(doc.Name)) {
	case ".md":
		return []byte(fmt.Sprintf("---\ntopic: %s\n---\n# %s\n\n%s\n", doc.Topic, doc.Topic, doc.Content))
	case ".html", ".htm":
		return []byte(fmt.Sprintf("<html><head><title>%s</title><script>var tracking = 1;</script></head><body><p>%s</p></body></html>",
			html.EscapeString(doc.Topic), html.EscapeString(doc.Content)))
	default:
		return []byte(doc.Content)
	}
}

// WriteCorpus writes every document of c into dir.
func WriteCorpus(dir string, c *Corpus) error {
	for _, doc := range c.Documents {
		if err := os.WriteFile(filepath.Join(dir, doc.Name), Render(doc), 0600); err != nil {
			return err
		}
	}
	return nil
}
