// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package transfer

import "context"

// RDMACapabilities describes what an RDMA device can do, used to score
// devices against each other when more than one is registered.
type RDMACapabilities struct {
	MaxSendWR      int
	MaxInlineData  int
	SupportsRead   bool
	SupportsWrite  bool
	SupportsAtomic bool
}

// score weighs raw queue-depth/inline capacity against which verbs the
// device supports; read/write/atomic support dominates the score since
// a device that lacks them can't serve every transfer regardless of
// its queue depth.
func (c RDMACapabilities) score() int {
	s := c.MaxSendWR + c.MaxInlineData
	if c.SupportsRead {
		s += 1000
	}
	if c.SupportsWrite {
		s += 1000
	}
	if c.SupportsAtomic {
		s += 500
	}
	return s
}

// RDMARegion is an opaque handle to a registered memory region.
type RDMARegion struct {
	Handle uint64
}

// RDMADevice is the trait an RDMA-capable NIC or fabric adapter
// implements: register/deregister memory, post a send, and poll for
// completion.
type RDMADevice interface {
	Capabilities() RDMACapabilities
	RegisterMemory(buf []byte) (RDMARegion, error)
	DeregisterMemory(region RDMARegion) error
	PostSend(ctx context.Context, src, dst RDMARegion, size uint64) error
	PollCompletion(ctx context.Context) (done bool, err error)
}

func bestRDMADevice(devices []RDMADevice) (RDMADevice, bool) {
	var best RDMADevice
	bestScore := -1
	for _, dev := range devices {
		if s := dev.Capabilities().score(); s > bestScore {
			bestScore = s
			best = dev
		}
	}
	return best, best != nil
}
