package index

import (
	"context"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"
)

// maxReportedIDs caps the slot id lists in a VerifyReport.
const maxReportedIDs = 100

// VerifyReport describes how well the store matches the index.
type VerifyReport struct {
	Total        int64   `json:"total"`
	Records      int64   `json:"records"`
	MissingCount uint64  `json:"missing_count"`
	OrphanCount  uint64  `json:"orphan_count"`
	Missing      []int64 `json:"missing,omitempty"`
	Orphans      []int64 `json:"orphans,omitempty"`
	Consistent   bool    `json:"consistent"`
}

// Verify checks that every slot id in [0, Total) has a record (Missing) and
// that no record points past the index (Orphans).
func (c *Coordinator) Verify(ctx context.Context) (VerifyReport, error) {
	c.rlockLoaded(ctx)
	defer c.mu.RUnlock()

	ids, err := c.store.SlotIDs(ctx)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("failed to list slot ids: %w", err)
	}
	total := c.idx.Len()

	expected := roaring.New()
	expected.AddRange(0, uint64(total))

	present := roaring.New()
	var outOfRange []int64
	for _, id := range ids {
		if id < 0 || id > math.MaxUint32 {
			outOfRange = append(outOfRange, id)
			continue
		}
		present.Add(uint32(id))
	}

	missing := roaring.AndNot(expected, present)
	orphans := roaring.AndNot(present, expected)

	report := VerifyReport{
		Total:        total,
		Records:      int64(len(ids)),
		MissingCount: missing.GetCardinality(),
		OrphanCount:  orphans.GetCardinality() + uint64(len(outOfRange)),
		Missing:      firstIDs(missing),
		Orphans:      append(firstIDs(orphans), outOfRange...),
	}
	if len(report.Orphans) > maxReportedIDs {
		report.Orphans = report.Orphans[:maxReportedIDs]
	}
	report.Consistent = report.MissingCount == 0 && report.OrphanCount == 0
	if !report.Consistent {
		c.logger.Warn("index and metadata store disagree",
			zap.Uint64("missing", report.MissingCount),
			zap.Uint64("orphans", report.OrphanCount))
	}
	return report, nil
}

func firstIDs(b *roaring.Bitmap) []int64 {
	var out []int64
	it := b.Iterator()
	for it.HasNext() && len(out) < maxReportedIDs {
		out = append(out, int64(it.Next()))
	}
	return out
}
