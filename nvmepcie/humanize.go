// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

import "fmt"

// FormatBytes formats a byte quantity using human-readable SI units, e.g.
// "4.19 MB". Grounded on the teacher's bitops.go formatBytes, generalized
// from decoding SATA/SCSI SMART attribute values to reporting CMB and
// queue pair ring sizes in cmd/nvmepcieprobe's startup log.
func FormatBytes(v uint64) string {
	suffixes := [...]string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	d := uint64(1)

	i := 0
	for ; i < len(suffixes)-1; i++ {
		if v >= d*1000 {
			d *= 1000
		} else {
			break
		}
	}

	if i == 0 {
		return fmt.Sprintf("%d %s", v, suffixes[i])
	}
	return fmt.Sprintf("%.3g %s", float64(v)/float64(d), suffixes[i])
}
