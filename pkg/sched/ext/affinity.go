// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ext

// TaskAffinity constrains where a thread may be placed: a CPU mask, an
// optional required processor type, and an optional preferred core
// that wins outright when it survives the other filters.
type TaskAffinity struct {
	CPUMask           uint64
	RequiredProcessor *CoreType
	PreferredCore     *int
}

// DefaultAffinity permits any CPU and expresses no processor-type or
// preferred-core constraint.
func DefaultAffinity() TaskAffinity {
	return TaskAffinity{CPUMask: ^uint64(0)}
}

func (a TaskAffinity) allows(core int) bool {
	if core < 0 || core >= 64 {
		return true
	}
	return a.CPUMask&(uint64(1)<<uint(core)) != 0
}
