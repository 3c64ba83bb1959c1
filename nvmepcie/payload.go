// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

// PayloadKind selects which PRP/SGL builder a request's payload is routed
// through (spec.md §4.3).
type PayloadKind int

const (
	// PayloadNone carries no data; PRP/SGL fields are left zero.
	PayloadNone PayloadKind = iota
	// PayloadContig is a single physically-contiguous host buffer.
	PayloadContig
	// PayloadSGL is a scattered buffer described by reset/next
	// callbacks, the Go analogue of spdk_nvme_payload's SGL union arm.
	PayloadSGL
)

// NextSGEFunc returns the next scatter-gather element's physical address
// and length. It returns ok=false on translation failure.
type NextSGEFunc func() (phys uint64, length uint32, ok bool)

// ResetSGLFunc rewinds the scatter-gather cursor to the given byte offset
// within the payload. The scattered-payload builders call it once before
// walking the segments; a retried request reuses the already-built
// PRP/SGL data and does not re-walk them.
type ResetSGLFunc func(offset uint32)

// Payload describes a request's data buffer.
type Payload struct {
	Kind PayloadKind

	// Contig is valid when Kind == PayloadContig: a DMA-capable host
	// buffer, the request's payload starting at Offset within it.
	Contig []byte
	Offset uint32

	// ResetSGL/NextSGE are valid when Kind == PayloadSGL.
	ResetSGL ResetSGLFunc
	NextSGE  NextSGEFunc

	// Size is the total transfer length in bytes, independent of Kind.
	Size uint32

	// Metadata is an optional separate metadata buffer (mptr).
	Metadata []byte
}
