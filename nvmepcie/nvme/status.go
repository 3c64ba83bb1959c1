// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// NVMe status code types and codes used by the PCIe transport core.

package nvme

// Status code types (completion status field, bits 9-11).
const (
	SCTGeneric        = 0x0
	SCTCommandSpecific = 0x1
	SCTMediaError      = 0x2
	SCTPath            = 0x3
)

// Generic status codes (SCT = SCTGeneric) relevant to the transport core.
// The full table lives in the NVMe base specification; only a small
// subset is listed here.
const (
	SCSuccess            = 0x00
	SCInvalidField       = 0x02
	SCDataTransferError  = 0x04
	SCAbortedByRequest   = 0x07
	SCAbortedSQDeletion  = 0x08
	SCNamespaceNotReady  = 0x82
)

// Admin opcodes the orchestrator issues directly.
const (
	OpcDeleteIOSQ            = 0x00
	OpcCreateIOSQ            = 0x01
	OpcGetLogPage            = 0x02
	OpcDeleteIOCQ            = 0x04
	OpcCreateIOCQ            = 0x05
	OpcIdentify              = 0x06
	OpcAsyncEventRequest     = 0x0c
)

// PSDT (PRP or SGL for Data Transfer) values, command DW0 bits 14-15.
const (
	PSDTPRP               = 0x0
	PSDTSGLMptrContiguous = 0x1
	PSDTSGLMptrSGL        = 0x2
)

// SGL descriptor type/subtype nibbles.
const (
	SGLTypeDataBlock    = 0x0
	SGLTypeBitBucket    = 0x1
	SGLTypeSegment      = 0x2
	SGLTypeLastSegment  = 0x3
	SGLSubtypeAddress   = 0x0
)

// IsError reports whether a completion's status code is non-zero, i.e.
// anything other than SCTGeneric/SCSuccess.
func (c *Completion) IsError() bool {
	return !(c.StatusCodeType() == SCTGeneric && c.StatusCode() == SCSuccess)
}

// IsTransient reports whether the completion's status represents a
// transient condition worth retrying. Grounded on nvme_pcie.c's retry
// gate (nvme_completion_is_retry): an aborted-by-request or
// aborted-sq-deletion completion is never retried (the command was
// deliberately killed), but a namespace-not-ready completion is, since
// the namespace may become ready again before the request's retry
// budget is exhausted.
func IsTransient(c *Completion) bool {
	if c.StatusCodeType() != SCTGeneric {
		return false
	}
	switch c.StatusCode() {
	case SCNamespaceNotReady:
		return true
	default:
		return false
	}
}
