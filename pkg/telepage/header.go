// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telepage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic identifies a valid telepage header: ASCII "TELEPAGE" read as a
// big-endian integer. The header is serialized little-endian, so the
// on-page bytes hold the letters in reverse order ("EGAPELET").
const Magic uint64 = 0x5445_4C45_5041_4745

// HeaderSize is the fixed on-page ABI header size in bytes. The literal
// field list sums to 88 bytes (magic+version+flags+creator_pid+
// readers+writers+lock+last_writer_pid+timestamp+user_flags+name[32]);
// padded to 128 to keep the header naturally aligned and leave the
// reserved tail room to grow without an ABI break.
const HeaderSize = 128

const maxNameLen = 31

// Flags is the telepage-wide attribute bitmask, carried in the header.
type Flags uint32

const FlagNormal Flags = 0

const (
	FlagReadOnly Flags = 1 << iota
	FlagWriteThrough
	FlagLogging
	FlagAutoVersioning
	FlagUncacheable
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// rawHeader is the wire layout, little-endian, naturally aligned.
type rawHeader struct {
	Magic               uint64
	Version             uint64
	Flags               uint32
	CreatorPID          uint32
	Readers             uint32
	Writers             uint32
	Lock                uint32
	LastWriterPID       uint32
	LastUpdateTimestamp uint64
	UserFlags           uint64
	Name                [32]byte
	Reserved            [40]byte
}

// encodeHeader serializes h into a HeaderSize-byte little-endian buffer.
func encodeHeader(h rawHeader) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(HeaderSize)
	_ = binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// decodeHeader parses a HeaderSize-byte buffer back into a rawHeader,
// failing if the magic does not match.
func decodeHeader(b []byte) (rawHeader, error) {
	var h rawHeader
	if len(b) < HeaderSize {
		return h, fmt.Errorf("telepage: short header (%d bytes)", len(b))
	}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &h); err != nil {
		return h, err
	}
	if h.Magic != Magic {
		return h, ErrInvalidTelepage
	}
	return h, nil
}

func encodeName(name string) [32]byte {
	var out [32]byte
	copy(out[:maxNameLen], name)
	return out
}

func decodeName(b [32]byte) string {
	n := bytes.IndexByte(b[:], 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}
