// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package fakecollab

import "github.com/dswarbrick/nvme-pcie/nvmepcie"

// Pool is a RequestPool that allocates plain heap Requests and drops them
// on Free — adequate for tests, where there is no fixed-size request
// arena to exhaust.
type Pool struct{}

func NewPool() *Pool { return &Pool{} }

func (p *Pool) AllocateNull(cb nvmepcie.CommandCompleteFn, cbArg any) *nvmepcie.Request {
	return &nvmepcie.Request{CompleteFn: cb, CbArg: cbArg}
}

func (p *Pool) Free(req *nvmepcie.Request) {}
