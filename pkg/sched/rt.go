// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

// rtLevels is the number of RT priorities, 1..99 inclusive, indexed
// 0..98 internally.
const rtLevels = 99

// rtArrays holds one FIFO per RT priority level; RoundRobin threads
// share the same array as Fifo ones at their priority and are
// distinguished only by whether tick() rotates them after a time slice.
type rtArrays struct {
	levels [rtLevels][]*Thread
	count  int
}

func newRTArrays() *rtArrays { return &rtArrays{} }

func rtIndex(priority int) int {
	if priority < 1 {
		priority = 1
	}
	if priority > rtLevels {
		priority = rtLevels
	}
	return priority - 1
}

// Enqueue appends th to the back of its priority level's FIFO.
func (r *rtArrays) Enqueue(th *Thread) {
	idx := rtIndex(th.Priority())
	r.levels[idx] = append(r.levels[idx], th)
	r.count++
}

// Dequeue pops the front of the highest non-empty priority level.
func (r *rtArrays) Dequeue() (*Thread, bool) {
	for i := rtLevels - 1; i >= 0; i-- {
		if len(r.levels[i]) == 0 {
			continue
		}
		th := r.levels[i][0]
		r.levels[i] = r.levels[i][1:]
		r.count--
		return th, true
	}
	return nil, false
}

// Rotate moves th from the front to the back of its priority level,
// implementing RoundRobin's time-slice expiry.
func (r *rtArrays) Rotate(th *Thread) {
	idx := rtIndex(th.Priority())
	lvl := r.levels[idx]
	if len(lvl) == 0 || lvl[0] != th {
		return
	}
	r.levels[idx] = append(lvl[1:], th)
}

// Len reports the total number of RT threads queued across all levels.
func (r *rtArrays) Len() int { return r.count }

// HighestNonEmpty reports the highest priority level (1..99) with a
// queued thread, or 0 if none.
func (r *rtArrays) HighestNonEmpty() int {
	for i := rtLevels - 1; i >= 0; i-- {
		if len(r.levels[i]) > 0 {
			return i + 1
		}
	}
	return 0
}
