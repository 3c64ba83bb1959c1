// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package pcisysfs implements nvmepcie's PCIDevice, DMAAllocator, and
// Vtophys collaborator interfaces against Linux's PCI sysfs tree
// (/sys/bus/pci/devices) and /proc/self/pagemap, the same style of raw
// syscall/sysfs access the library package uses for ioctl-based ATA/SCSI
// passthrough, generalized here to BAR mapping and DMA memory.
//
// A device must be unbound from its kernel driver (or bound to vfio-pci)
// before MapBAR can mmap its resource files; this package does not
// perform that binding.
package pcisysfs
