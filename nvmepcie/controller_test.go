// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvmepcie

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/nvme-pcie/nvmepcie/nvme"
)

func alwaysSucceeds(cmd nvme.Command) (sct, sc uint8, dnr bool) {
	return nvme.SCTGeneric, nvme.SCSuccess, false
}

func TestCreateAndDeleteIOQpair(t *testing.T) {
	ctrlr := newFixtureController(t, 64, 3)

	hw := newFakeHW(ctrlr.AdminQ, alwaysSucceeds)
	hw.run()
	defer hw.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	qp, err := ctrlr.CreateIOQpair(ctx, 1, 0, 64)
	require.NoError(t, err)
	require.NotNil(t, qp)
	assert.True(t, qp.enabled)

	require.NoError(t, ctrlr.DeleteIOQpair(ctx, qp))
}

func TestCreateIOQpairRollsBackCQOnSQFailure(t *testing.T) {
	ctrlr := newFixtureController(t, 64, 3)

	hw := newFakeHW(ctrlr.AdminQ, func(cmd nvme.Command) (sct, sc uint8, dnr bool) {
		if cmd.Opc == nvme.OpcCreateIOSQ {
			return nvme.SCTGeneric, nvme.SCInvalidField, true
		}
		return nvme.SCTGeneric, nvme.SCSuccess, false
	})
	hw.run()
	defer hw.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	qp, err := ctrlr.CreateIOQpair(ctx, 1, 0, 64)
	assert.Error(t, err)
	assert.Nil(t, qp)
}

func TestCreateIOQpairRespectsContextTimeout(t *testing.T) {
	ctrlr := newFixtureController(t, 64, 3)
	// No fakeHW running: the admin command never completes.

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	qp, err := ctrlr.CreateIOQpair(ctx, 1, 0, 64)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, qp)
}
