// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package archhost

import (
	"context"
	"hash/fnv"

	"github.com/go-logr/logr"

	"github.com/mosaicos/kernelcore/pkg/aws"
)

// NUMAHint is the topology enrichment DiscoverNUMAHint derives from EC2
// placement metadata: a node count and the availability zone it came
// from, used to size a Sim for more than one NUMA node on EC2.
type NUMAHint struct {
	NodeCount int
	Zone      string
}

// DiscoverNUMAHint queries EC2 instance metadata through client for the
// instance's availability zone and derives a NUMA node count from it.
// This is the one optional external enrichment §6 permits ("the core
// treats all these as total functions returning Result"): on any
// failure — not running on EC2, IMDS unreachable, metadata disabled —
// it falls back to a single-node hint and never returns an error.
//
// The derivation itself is a heuristic, not an AWS-documented fact: EC2
// does not expose real NUMA topology over IMDS, so the zone's hash
// picks a small, stable node count (1-4) purely to give the simulator
// varied multi-node behavior to exercise without guessing at specific
// instance-type topologies.
func DiscoverNUMAHint(ctx context.Context, client aws.Client, logger logr.Logger) NUMAHint {
	zone, err := client.GetAvailabilityZone(ctx)
	if err != nil {
		logger.V(1).Info("NUMA hint: not running on EC2 or IMDS unreachable, defaulting to one node", "error", err)
		return NUMAHint{NodeCount: 1}
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(zone))
	nodeCount := int(h.Sum32()%4) + 1

	return NUMAHint{NodeCount: nodeCount, Zone: zone}
}

// NewSimFromHint builds a Sim honoring hint's node count by sizing the
// CPU pool to nodeCount*cpusPerNode. Sim itself records no CPU-to-node
// mapping.
func NewSimFromHint(hint NUMAHint, cpusPerNode int, pageSize uint64) *Sim {
	if cpusPerNode < 1 {
		cpusPerNode = 1
	}
	nodeCount := hint.NodeCount
	if nodeCount < 1 {
		nodeCount = 1
	}
	return NewSim(nodeCount*cpusPerNode, pageSize)
}
