// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

import "github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"

// Request carries one NVMe command from a caller down through the queue
// pair engine to completion. Allocation/freeing is a generic-request
// collaborator concern (spec.md §6); the core mutates Cmd.CID, the
// data-pointer fields the PRP/SGL builders fill in (Cmd.DPTR, Cmd.MPTR,
// and PSDT in Cmd.Flags), and Retries.
type Request struct {
	Cmd     nvme.Command
	Payload Payload

	CompleteFn CommandCompleteFn
	CbArg      any

	Retries int
}
