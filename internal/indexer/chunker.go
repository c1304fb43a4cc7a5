package indexer

// Chunker splits text into overlapping windows of characters.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker creates a chunker with the given size and overlap (in characters).
// A non-positive size falls back to 512; overlap is clamped to [0, size).
func NewChunker(chunkSize, chunkOverlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize - 1
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}
}

// Chunk returns windows of at most chunkSize characters. Each window starts
// chunkOverlap characters before the previous one ended; the last window ends
// exactly at the end of text. Empty text yields no chunks.
func (c *Chunker) Chunk(text string) []string {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}
	var chunks []string
	start := 0
	for start < n {
		end := start + c.chunkSize
		if end > n {
			end = n
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == n {
			break
		}
		start = end - c.chunkOverlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}
