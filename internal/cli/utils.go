// Package cli formats retrieval, research and index reports for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/kenkyu/internal/index"
	"github.com/hyperjump/kenkyu/internal/models"
	"github.com/hyperjump/kenkyu/internal/research"
	"github.com/hyperjump/kenkyu/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
	// OutputMarkdown is a research report. Only answers render it; other
	// writers fall back to text.
	OutputMarkdown OutputFormat = "markdown"
)

// ParseOutputFormat accepts "text", "json" or "markdown"/"md" (case-insensitive).
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	case OutputMarkdown, "md":
		return OutputMarkdown, nil
	default:
		return "", fmt.Errorf("unknown output format %q (supported: text, json, markdown)", s)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRetrieveResponse writes retrieval hits to w in the given format.
func WriteRetrieveResponse(w io.Writer, response *models.RetrieveResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	mode := "similarity"
	if response.MMR {
		mode = "mmr"
	}
	fmt.Fprintf(w, "\nFound %d passages in %dms (%s)\n\n", response.Total, response.QueryTime, mode)
	for i, hit := range response.Hits {
		writeHit(w, i+1, hit)
	}
	return nil
}

func writeHit(w io.Writer, rank int, hit models.Hit) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Slot: %d | Score: %.4f\n", rank, hit.SlotID, hit.Score)
	if src, ok := hit.Meta["source"].(string); ok && src != "" {
		fmt.Fprintf(w, "Source: %s\n", src)
	}
	fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(hit.Text, 200))
}

// traceWords is how much of a sub-query's best passage the text answer shows.
const traceWords = 12

// WriteAnswer writes a research answer. Text output prints the synthesis
// followed by one line per sub-query with the start of its best passage.
func WriteAnswer(w io.Writer, ans *research.Answer, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, ans)
	case OutputMarkdown:
		return writeReport(w, ans)
	}
	fmt.Fprintln(w, ans.Synthesis)
	if len(ans.Traces) > 1 {
		fmt.Fprintln(w)
		for _, tr := range ans.Traces {
			fmt.Fprintf(w, "  %q: %d hits", tr.SubQuery, len(tr.Hits))
			if len(tr.Hits) > 0 {
				fmt.Fprintf(w, " (top: %s)", utils.TruncateWords(tr.Hits[0].Text, traceWords))
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

// writeReport renders ans as a Markdown document: the query as title, the
// synthesis, then one section per sub-query listing each passage's source
// and score.
func writeReport(w io.Writer, ans *research.Answer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n## Reasoning Traces\n", ans.Query, ans.Synthesis)
	for _, tr := range ans.Traces {
		fmt.Fprintf(&b, "\n### Subquery: %s\n\n", tr.SubQuery)
		for _, hit := range tr.Hits {
			src, _ := hit.Meta["source"].(string)
			if src == "" {
				src = "unknown"
			}
			fmt.Fprintf(&b, "- Source: %s (%.3f)\n  - %s\n", src, hit.Score, utils.Truncate(hit.Text, 200))
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteStats writes index statistics and, when diskBytes >= 0, the on-disk size.
func WriteStats(w io.Writer, stats index.IndexStats, diskBytes int64, format OutputFormat) error {
	if format == OutputJSON {
		out := map[string]interface{}{"index": stats}
		if diskBytes >= 0 {
			out["disk_usage_bytes"] = diskBytes
		}
		return writeJSON(w, out)
	}
	fmt.Fprintf(w, "Kind:      %s\n", stats.Kind)
	fmt.Fprintf(w, "Vectors:   %d\n", stats.Total)
	fmt.Fprintf(w, "Records:   %d\n", stats.Records)
	dim := "unset"
	if stats.Dimension > 0 {
		dim = fmt.Sprint(stats.Dimension)
	}
	fmt.Fprintf(w, "Dimension: %s\n", dim)
	if stats.Path != "" {
		fmt.Fprintf(w, "Path:      %s\n", stats.Path)
	}
	if diskBytes >= 0 {
		fmt.Fprintf(w, "Disk:      %s\n", FormatBytes(diskBytes))
	}
	return nil
}

// WriteVerify writes a consistency report.
func WriteVerify(w io.Writer, report index.VerifyReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	if report.Consistent {
		fmt.Fprintf(w, "OK: %d vectors, %d records\n", report.Total, report.Records)
		return nil
	}
	fmt.Fprintf(w, "INCONSISTENT: %d vectors, %d records\n", report.Total, report.Records)
	if report.MissingCount > 0 {
		fmt.Fprintf(w, "  missing records: %d %s\n", report.MissingCount, formatIDs(report.Missing, report.MissingCount))
	}
	if report.OrphanCount > 0 {
		fmt.Fprintf(w, "  orphan records:  %d %s\n", report.OrphanCount, formatIDs(report.Orphans, report.OrphanCount))
	}
	return nil
}

func formatIDs(ids []int64, count uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	s := "[" + strings.Join(parts, " ")
	if uint64(len(ids)) < count {
		s += " ..."
	}
	return s + "]"
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
