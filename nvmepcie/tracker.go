// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

// trackerListBytes is the size of each tracker's embedded PRP-list /
// SGL-descriptor scratch area. One page is large enough for the maximum
// PRP list (MaxPRPListEntries * 8 bytes) or the maximum SGL segment
// (MaxSGLDescriptors * 16 bytes), and keeping it page-sized guarantees it
// never straddles a 4 KiB boundary, per spec.md §3's tracker layout
// invariant.
const trackerListBytes = PageSize

// tracker pairs an in-flight command id with its request and embedded
// PRP-list / SGL-descriptor storage. cid is a stable index into the
// QueuePair's tracker array, used for O(1) completion lookup.
//
// list is a slice into DMA-capable memory shared by the whole tracker
// array (one trackerListBytes-sized window per tracker); listPhys is that
// window's device physical address. The host-side bookkeeping fields
// (cid, active, req) deliberately live in ordinary Go memory rather than
// in the DMA allocation — the device never reads them.
type tracker struct {
	cid       uint16
	active    bool
	req       *Request
	list      []byte
	listPhys  uint64
}

// reset clears a tracker back to its just-constructed state, without
// touching cid or the DMA-backed list window (construction already
// zeroed it, and the builder always overwrites only as much of it as it
// uses on each submission).
func (t *tracker) reset() {
	t.active = false
	t.req = nil
}
