// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// NVMe max constants referenced by the PRP/SGL builder and tracker layout.
const (
	PageSize               = 4096
	MaxPRPListEntries      = PageSize/8 - 1 // one page of 8-byte entries, minus the slot used as prp2 itself
	MaxSGLDescriptors      = 251            // matches the common NVMe_MAX_SGL_DESCRIPTORS budget
	AdminQueueID           = uint16(0)
	DefaultAdminTrackers   = 128
	DefaultIOTrackers      = 128
	registerDoorbellOffset = 0x1000
)

// ControllerOptions carries the transport core's init-time tunables.
// The global retry count design note in the source (spec.md §9) is
// resolved here: RetryCount is read once at controller construction and
// copied into every QueuePair it creates, making it immutable for the
// lifetime of the queue pair.
type ControllerOptions struct {
	NumIOQueues    int    `yaml:"num_io_queues"`
	IOQueueEntries uint32 `yaml:"io_queue_entries"`
	AdminEntries   uint32 `yaml:"admin_queue_entries"`
	UseCMBSQs      bool   `yaml:"use_cmb_sqs"`
	RetryCount     int    `yaml:"retry_count"`
}

// DefaultControllerOptions returns the options the reference CLI uses
// when no config file is supplied.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		NumIOQueues:    1,
		IOQueueEntries: 256,
		AdminEntries:   DefaultAdminTrackers,
		UseCMBSQs:      true,
		RetryCount:     3,
	}
}

// LoadControllerOptions reads a YAML controller options file, grounded on
// the teacher's own gopkg.in/yaml.v2 dependency (used there for drivedb /
// ATA configuration, generalized here to controller tuning).
func LoadControllerOptions(path string) (ControllerOptions, error) {
	opts := DefaultControllerOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.Wrapf(err, "read controller options %s", path)
	}

	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, errors.Wrapf(err, "parse controller options %s", path)
	}

	return opts, nil
}
