package garrison

import (
	"encoding/json"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BuildStatsString renders a snapshot of the device's live state as a
// JSON string: tracked resource counts, cache occupancy and the queue's
// epoch and pool state. With detailed set, the allocator's own detailed
// statistics are embedded under "Allocator".
func (d *Device) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("DeviceName").String(d.caps.DeviceName)

	d.mutex.Lock()
	resources := obj.Name("Resources").Object()
	resources.Name("Buffers").Int(d.buffers.len())
	resources.Name("Images").Int(d.images.len())
	resources.Name("ShaderLibraries").Int(d.libraries.len())
	resources.Name("Pipelines").Int(d.pipelines.len())
	resources.End()
	d.mutex.Unlock()

	caches := obj.Name("Caches").Object()
	caches.Name("Samplers").Int(d.samplers.size())
	caches.Name("SetLayouts").Int(d.setLayouts.size())
	caches.Name("PipelineLayouts").Int(d.pipelineLayouts.size())
	caches.End()

	d.queue.printStats(&obj)

	if detailed {
		obj.Name("Allocator").Raw(json.RawMessage(d.allocator.BuildStatsString(true)))
	}

	obj.End()
	return string(writer.Bytes())
}

func (q *Queue) printStats(parent *jwriter.ObjectState) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	obj := parent.Name("Queue").Object()
	defer obj.End()

	live := 0
	for _, pool := range q.pools {
		live += pool.live
	}

	obj.Name("OpenEpoch").Bool(q.current != nil)
	obj.Name("PendingEpochs").Int(len(q.pending))
	obj.Name("SpareEpochs").Int(len(q.spare))
	obj.Name("CommandPools").Int(len(q.pools))
	obj.Name("LiveCommandBuffers").Int(live)
	obj.Name("StagedPresents").Int(len(q.presentChains))
	obj.Name("Lost").Bool(q.poisoned)
}
