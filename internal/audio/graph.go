// graph.go - Lazy discovery of the firmware's audio processing graph.

package audio

// parseConnections walks AudioStream::first_update once, under the
// master lock so no other guest-memory access interleaves with it, and
// builds the node/edge sets the scheduler then drives tick after tick.
func (s *Scheduler) parseConnections() {
	s.cpu.WithMasterLock(func() {
		s.nodes = make(map[uint32]*node)
		s.order = nil

		index := 0
		ptr := s.bus.MemoryRead32(s.layout.FirstUpdateAddr)
		for ptr != 0 {
			next := s.bus.MemoryRead32(ptr + s.layout.NextUpdateOffset)
			active := s.bus.MemoryRead8(ptr + s.layout.ActiveFlagOffset)
			if active != 0 {
				n := s.getOrCreateNode(ptr)
				n.index = index
				index++
				vtable := s.bus.MemoryRead32(ptr + s.layout.VTableOffset)
				n.updateFunc = s.bus.MemoryRead32(vtable)
				s.order = append(s.order, ptr)
				s.walkDestinationList(ptr, n)
			}
			ptr = next
		}
		s.computeSuccessors()
	})
}

func (s *Scheduler) getOrCreateNode(ptr uint32) *node {
	n, ok := s.nodes[ptr]
	if !ok {
		n = newNode(ptr)
		s.nodes[ptr] = n
	}
	return n
}

// walkDestinationList appends (dst_ptr, dst_idx) to n's outputs for
// every connection hanging off n's destination_list, and symmetrically
// registers the reverse (src_ptr, src_idx) in the destination's inputs.
// The classic/alternate layout discriminator picks whichever
// destination-list head offset actually holds a pointer.
func (s *Scheduler) walkDestinationList(ptr uint32, n *node) {
	classicHead := s.bus.MemoryRead32(ptr + s.layout.DestinationListClassicOffset)
	altHead := s.bus.MemoryRead32(ptr + s.layout.DestinationListAltOffset)
	head := classicHead
	if classicHead == 0 && altHead != 0 {
		head = altHead
	}

	conn := head
	for conn != 0 {
		destPtr := s.bus.MemoryRead32(conn + s.layout.ConnDestOffset)
		destIdx := int(s.bus.MemoryRead8(conn + s.layout.ConnDestIndexOffset))
		srcIdx := int(s.bus.MemoryRead8(conn + s.layout.ConnSrcIndexOffset))

		n.outputs[ioKey{ptr: destPtr, idx: destIdx}] = true
		dest := s.getOrCreateNode(destPtr)
		dest.inputs[ioKey{ptr: ptr, idx: srcIdx}] = true

		conn = s.bus.MemoryRead32(conn + s.layout.ConnNextOffset)
	}
}

// computeSuccessors precomputes, for every node, which of its outputs
// can be safely marked ready the instant the node finishes: a dst_ptr
// qualifies only when every other input feeding dst_ptr already has a
// strictly smaller index than n, and every one of dst_ptr's own outputs
// also has a strictly smaller index than n - meaning n is provably the
// last prerequisite dst_ptr is waiting on. This precompute is an
// optimization only: the per-tick safety sweep guarantees every node
// still reaches ready even when this set misses an edge.
func (s *Scheduler) computeSuccessors() {
	for _, ptr := range s.order {
		n := s.nodes[ptr]
		seen := make(map[uint32]bool)
		for key := range n.outputs {
			dstPtr := key.ptr
			if seen[dstPtr] {
				continue
			}
			seen[dstPtr] = true
			dst := s.nodes[dstPtr]
			if dst == nil {
				continue
			}
			if s.allOtherInputsBefore(dst, n) && s.allOutputsBefore(dst, n.index) {
				n.successors[dstPtr] = true
			}
		}
	}
}

func (s *Scheduler) allOtherInputsBefore(dst, n *node) bool {
	for key := range dst.inputs {
		if key.ptr == n.thisPtr {
			continue
		}
		src := s.nodes[key.ptr]
		if src == nil || src.index >= n.index {
			return false
		}
	}
	return true
}

func (s *Scheduler) allOutputsBefore(dst *node, index int) bool {
	for key := range dst.outputs {
		out := s.nodes[key.ptr]
		if out == nil || out.index >= index {
			return false
		}
	}
	return true
}
