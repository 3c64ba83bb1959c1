// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvme

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandSizes(t *testing.T) {
	assert := assert.New(t)

	var cmd Command
	assert.Equal(CommandSize, len(cmd.Encode()))

	var cpl Completion
	assert.Equal(CompletionSize, len(cpl.Encode()))
}

func TestCommandRoundTrip(t *testing.T) {
	assert := assert.New(t)

	cmd := Command{
		Opc:   OpcCreateIOCQ,
		CID:   7,
		NSID:  0,
		CDW10: 0x1234,
		CDW11: 0x1,
	}
	cmd.DPTR.SetPRP(0x100000, 0)

	var decoded Command
	decoded.Decode(cmd.Encode())

	assert.Equal(cmd.Opc, decoded.Opc)
	assert.Equal(cmd.CID, decoded.CID)
	assert.Equal(cmd.CDW10, decoded.CDW10)
	assert.Equal(cmd.CDW11, decoded.CDW11)
	assert.Equal(uint64(0x100000), decoded.DPTR.PRP1())
}

func TestCompletionPhaseAndStatus(t *testing.T) {
	assert := assert.New(t)

	var cpl Completion
	cpl.SetStatus(SCTGeneric, SCAbortedByRequest, true, 1)

	assert.Equal(uint8(1), cpl.Phase())
	assert.Equal(uint8(SCAbortedByRequest), cpl.StatusCode())
	assert.Equal(uint8(SCTGeneric), cpl.StatusCodeType())
	assert.True(cpl.DoNotRetry())
	assert.True(cpl.IsError())

	var ok Completion
	ok.SetStatus(SCTGeneric, SCSuccess, false, 0)
	assert.False(ok.IsError())
}

func TestIsTransient(t *testing.T) {
	assert := assert.New(t)

	var aborted Completion
	aborted.SetStatus(SCTGeneric, SCAbortedByRequest, true, 0)
	assert.False(IsTransient(&aborted))

	var nsNotReady Completion
	nsNotReady.SetStatus(SCTGeneric, SCNamespaceNotReady, false, 0)
	assert.True(IsTransient(&nsNotReady))
}
