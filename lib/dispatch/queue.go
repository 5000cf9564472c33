// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"container/heap"

	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/transport"
)

// entry is one queued inbound message. seq is the arrival order
// across both lanes.
type entry struct {
	inbound transport.Inbound
	seq     uint64
}

// queue is the two-lane ingress queue. The emergency lane is FIFO
// and always drains first. The normal lane is a heap ordered by
// priority, highest first, then by arrival.
type queue struct {
	emergency []entry
	normal    normalHeap
	seq       uint64
	capacity  int
}

// push reports false when the normal lane is full. The emergency
// lane is never refused.
func (q *queue) push(inbound transport.Inbound) bool {
	q.seq++
	e := entry{inbound: inbound, seq: q.seq}
	if inbound.Message.Type == message.TypeEmergency {
		q.emergency = append(q.emergency, e)
		return true
	}
	if q.capacity > 0 && len(q.normal) >= q.capacity {
		return false
	}
	heap.Push(&q.normal, e)
	return true
}

// pop returns the next entry and its lane.
func (q *queue) pop() (entry, Lane, bool) {
	if len(q.emergency) > 0 {
		e := q.emergency[0]
		q.emergency[0] = entry{}
		q.emergency = q.emergency[1:]
		return e, LaneEmergency, true
	}
	if len(q.normal) > 0 {
		return heap.Pop(&q.normal).(entry), LaneNormal, true
	}
	return entry{}, LaneNormal, false
}

func (q *queue) depth() (emergency, normal int) {
	return len(q.emergency), len(q.normal)
}

type normalHeap []entry

func (h normalHeap) Len() int { return len(h) }

func (h normalHeap) Less(i, j int) bool {
	pi, pj := h[i].inbound.Message.Priority, h[j].inbound.Message.Priority
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h normalHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *normalHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *normalHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// recentIDs is a fixed-size window of message ids for duplicate
// suppression.
type recentIDs struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	if size <= 0 {
		return nil
	}
	return &recentIDs{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

func (r *recentIDs) contains(id string) bool {
	if r == nil {
		return false
	}
	_, seen := r.set[id]
	return seen
}

func (r *recentIDs) add(id string) {
	if r == nil {
		return
	}
	if evicted := r.ring[r.next]; evicted != "" {
		delete(r.set, evicted)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}
