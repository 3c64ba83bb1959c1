// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package pcisysfs

import "github.com/pkg/errors"

var ErrVtophysUnavailable = errors.New("pcisysfs: virtual-to-physical translation unavailable")
