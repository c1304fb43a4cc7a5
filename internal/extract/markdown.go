package extract

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

var frontMatterDelim = []byte("---")

// extractMarkdown strips a leading YAML front matter block and returns its
// keys as metadata. The markdown body is kept verbatim.
func extractMarkdown(content []byte) (*Document, error) {
	meta := map[string]interface{}{}
	text := extractPlain(content)

	fm, body, ok := splitFrontMatter([]byte(text))
	if !ok {
		return &Document{Text: text, Meta: meta}, nil
	}
	if err := yaml.Unmarshal(fm, &meta); err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return &Document{Text: string(bytes.TrimLeft(body, "\r\n")), Meta: meta}, nil
}

// splitFrontMatter splits "---\n<yaml>\n---\n<body>". ok is false when content
// does not start with a complete front matter block.
func splitFrontMatter(content []byte) (fm, body []byte, ok bool) {
	first, rest, found := bytes.Cut(content, []byte("\n"))
	if !found || !bytes.Equal(bytes.TrimRight(first, " \t\r"), frontMatterDelim) {
		return nil, nil, false
	}
	var block [][]byte
	for len(rest) > 0 {
		var line []byte
		line, rest, _ = bytes.Cut(rest, []byte("\n"))
		if bytes.Equal(bytes.TrimRight(line, " \t\r"), frontMatterDelim) {
			return bytes.Join(block, []byte("\n")), rest, true
		}
		block = append(block, line)
	}
	return nil, nil, false
}
