package shop_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/jobsheet-engine/shop"
)

func (f *fixture) machine(t *testing.T, in shop.MachineInput) *shop.Machine {
	t.Helper()
	if in.Name == "" {
		in.Name = "Heidelberg SM52"
	}
	m, err := f.machines.Create(context.Background(), in)
	require.NoError(t, err)
	return m
}

func TestMachines_ReserveAndRelease_SingleSlot(t *testing.T) {
	// GIVEN: An active machine with the default single slot
	// WHEN: Reserving it, then releasing it
	// THEN: It flips unavailable and back, stamping last_assigned

	f := newFixture(t)
	ctx := context.Background()
	m := f.machine(t, shop.MachineInput{})
	assert.Equal(t, 1, m.MaxConcurrentJobs)
	assert.True(t, m.IsAvailable)

	reserved, err := f.machines.Reserve(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, reserved.IsAvailable)
	assert.Equal(t, 1, reserved.CurrentJobCount)
	assert.NotNil(t, reserved.LastAssigned)

	_, err = f.machines.Reserve(ctx, m.ID)
	assert.ErrorIs(t, err, shop.ErrResourceUnavailable)

	released, err := f.machines.Release(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, released.IsAvailable)
	assert.Equal(t, 0, released.CurrentJobCount)
}

func TestMachines_CapacityCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.machine(t, shop.MachineInput{MaxConcurrentJobs: 2})

	first, err := f.machines.Reserve(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, first.IsAvailable, "one slot left")

	second, err := f.machines.Reserve(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, second.IsAvailable)

	afterRelease, err := f.machines.Release(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, afterRelease.IsAvailable)
	assert.Equal(t, 1, afterRelease.CurrentJobCount)
}

func TestMachines_NotActiveIsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.machine(t, shop.MachineInput{Status: shop.MachineMaintenance})

	_, err := f.machines.Reserve(ctx, m.ID)
	var unavailable *shop.ResourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, m.ID, unavailable.ID)
	assert.Contains(t, unavailable.Reason, "maintenance")

	_, err = f.machines.SetStatus(ctx, m.ID, shop.MachineActive)
	require.NoError(t, err)
	_, err = f.machines.Reserve(ctx, m.ID)
	assert.NoError(t, err)
}

func TestMachines_ReleaseIdleIsFloored(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t, shop.MachineInput{})

	released, err := f.machines.Release(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, released.CurrentJobCount)
	assert.True(t, released.IsAvailable)
}

func TestMachines_SetStatusValidates(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t, shop.MachineInput{})
	_, err := f.machines.SetStatus(context.Background(), m.ID, "broken")
	assert.ErrorIs(t, err, shop.ErrValidation)
}
