// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

import "github.com/pkg/errors"

// Sentinel errors returned by construction, control-plane, and submit-time
// paths. A device's verdict on a command submitted with
// QueuePair.SubmitRequest arrives through the request's completion
// callback (see QueuePair.ProcessCompletions); only the synchronous admin
// wrapper (Controller.SubmitAdminAndWait) turns an error completion into
// ErrAdminFailed.
var (
	ErrCMBOutOfSpace = errors.New("nvmepcie: cmb out of space")
	ErrCMBDisabled    = errors.New("nvmepcie: cmb not present or disabled")
	ErrVtophysFailed  = errors.New("nvmepcie: vtophys translation failed")
	ErrAdminFailed    = errors.New("nvmepcie: admin command reported an error")
	ErrBarOutOfRange  = errors.New("nvmepcie: bar window does not fit in bar")
	ErrTooManySGEs    = errors.New("nvmepcie: sgl descriptor count exceeds limit")
	ErrBadAlignment   = errors.New("nvmepcie: alignment must be a power of two")
	ErrQpairDisabled  = errors.New("nvmepcie: qpair is disabled")
)
