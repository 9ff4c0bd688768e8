package malloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/minalloc/memutils"
)

// CalculateStatistics populates the provided Statistics object with the heap's current
// occupancy numbers
func (h *Heap) CalculateStatistics(stats *memutils.Statistics) {
	h.logger.Debug("Heap::CalculateStatistics")

	stats.Clear()
	h.pages.AddStatistics(stats)
}

// CalculateDetailedStatistics populates the provided DetailedStatistics object with the
// heap's current occupancy numbers, including unused ranges and allocation size extremes.
// It is slower than CalculateStatistics, since it walks every page.
func (h *Heap) CalculateDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.logger.Debug("Heap::CalculateDetailedStatistics")

	stats.Clear()
	h.pages.AddDetailedStatistics(stats)
}

// BuildStatsString returns a json document describing the current state of the heap. When
// detailed is true, the document also includes allocation size extremes and a map of every
// live segment and its pages.
func (h *Heap) BuildStatsString(detailed bool) string {
	h.logger.Debug("Heap::BuildStatsString")

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.pages.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	topObj := writer.Object()

	generalObj := topObj.Name("General").Object()
	stats.Statistics.PrintJson(&generalObj)
	generalObj.End()

	if detailed {
		detailObj := topObj.Name("DetailedStats").Object()
		stats.PrintJson(&detailObj)
		detailObj.End()

		segmentsObj := topObj.Name("Segments").Object()
		h.pages.PrintDetailedMap(segmentsObj)
		segmentsObj.End()
	}

	topObj.End()
	return string(writer.Bytes())
}
