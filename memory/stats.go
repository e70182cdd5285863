package memory

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/devmem/memutils"
)

// CalculateStatistics clears stats and fills it with the combined statistics of both regions
func (m *GPUMemory) CalculateStatistics(stats *memutils.DetailedStatistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats.Clear()
	if m.released {
		return
	}

	for i := range m.regions {
		m.regions[i].allocator.AddDetailedStatistics(stats)
	}
}

// BuildStatsString returns a json document describing both regions. With detailed set, every free
// region and block is listed in address order.
func (m *GPUMemory) BuildStatsString(detailed bool) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.released {
		return "", ErrReleased
	}

	var total memutils.DetailedStatistics
	total.Clear()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	regionsObj := rootObj.Name("Regions").Object()
	for i := range m.regions {
		r := &m.regions[i]

		var stats memutils.DetailedStatistics
		stats.Clear()
		r.allocator.AddDetailedStatistics(&stats)
		total.AddDetailedStatistics(&stats)

		regionObj := regionsObj.Name(r.memType.String()).Object()
		regionObj.Name("MemoryTypeIndex").Int(r.memory.MemoryTypeIndex())
		regionObj.Name("HeapIndex").Int(r.memory.HeapIndex())
		regionObj.Name("MapReferences").Int(r.memory.References())

		statsObj := regionObj.Name("Stats").Object()
		writeDetailedStatistics(&statsObj, &stats)
		statsObj.End()

		if detailed {
			blockObj := regionObj.Name("Block").Object()
			r.allocator.BlockJsonData(blockObj)
			blockObj.End()
		}

		regionObj.End()
	}
	regionsObj.End()

	totalObj := rootObj.Name("Total").Object()
	writeDetailedStatistics(&totalObj, &total)
	totalObj.End()

	rootObj.End()

	if err := writer.Error(); err != nil {
		return "", err
	}
	return string(writer.Bytes()), nil
}

func writeDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("PaddingBytes").Int(stats.PaddingBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}
