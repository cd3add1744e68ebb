// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package transfer

import "fmt"

const sizeThreshold = 64 * 1024 // 64 KiB

func isDRAMTier(t Tier) bool { return t == FastDRAM || t == StandardDRAM }

// selectChain returns the ordered fallback chain an Auto-method
// descriptor resolves to, per the tier-pair/metadata/size table.
func selectChain(d *Descriptor) []Method {
	switch {
	case d.SrcTier == d.DstTier && d.MetadataOnly:
		return []Method{PageRemapping}
	case d.SrcTier == d.DstTier && d.Size >= sizeThreshold:
		return []Method{DmaEngine, HwAccel, CpuCopy}
	case d.SrcTier == d.DstTier:
		return []Method{HwAccel, CpuCopy}
	case d.SrcTier == PMEM && isDRAMTier(d.DstTier):
		return []Method{DmaEngine, CpuCopy}
	case d.SrcTier == ExtendedMemory && isDRAMTier(d.DstTier):
		return []Method{HwAccel, DmaEngine, CpuCopy}
	case d.SrcTier == RemoteMemory && isDRAMTier(d.DstTier):
		return []Method{DmaEngine, CpuCopy}
	case d.Size >= sizeThreshold:
		return []Method{DmaEngine, CpuCopy}
	default:
		return []Method{CpuCopy}
	}
}

// cpuCopy is the portable CPU-path copy: a stand-in for the spec's
// AVX2 32-byte / SSE2 16-byte store loop, since portable Go has no SIMD
// intrinsics. It walks the buffer in 16-byte strides and copy()'s the
// remainder.
func cpuCopy(dst, src []byte) error {
	if len(dst) < len(src) {
		return fmt.Errorf("transfer: destination buffer too small: have %d, need %d", len(dst), len(src))
	}
	const stride = 16
	i := 0
	for ; i+stride <= len(src); i += stride {
		copy(dst[i:i+stride], src[i:i+stride])
	}
	copy(dst[i:], src[i:])
	return nil
}
