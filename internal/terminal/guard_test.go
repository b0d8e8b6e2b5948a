package terminal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandle struct{ Handle }

func scriptedSpawner(results *[]error) Spawner {
	return SpawnerFunc(func(SpawnOptions) (Handle, error) {
		err := (*results)[0]
		*results = (*results)[1:]
		if err != nil {
			return nil, err
		}
		return stubHandle{}, nil
	})
}

func TestGuardStateString(t *testing.T) {
	assert.Equal(t, "closed", GuardClosed.String())
	assert.Equal(t, "half-open", GuardHalfOpen.String())
	assert.Equal(t, "open", GuardOpen.String())
	assert.Equal(t, "unknown", GuardState(42).String())
}

func TestGuardOpensAfterThreshold(t *testing.T) {
	boom := errors.New("boom")
	results := []error{boom, boom, boom}
	g := NewGuardedSpawner(scriptedSpawner(&results), 3, time.Minute)

	var transitions []string
	g.OnStateChange = func(from, to GuardState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	for i := 0; i < 3; i++ {
		_, err := g.Spawn(SpawnOptions{})
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, GuardOpen, g.State())
	assert.Equal(t, []string{"closed->open"}, transitions)

	// Rejected without reaching the underlying spawner.
	_, err := g.Spawn(SpawnOptions{})
	assert.ErrorIs(t, err, ErrSpawnThrottled)
	assert.Empty(t, results)
}

func TestGuardSuccessResetsFailures(t *testing.T) {
	boom := errors.New("boom")
	results := []error{boom, nil, boom, boom}
	g := NewGuardedSpawner(scriptedSpawner(&results), 3, time.Minute)

	for range 4 {
		_, _ = g.Spawn(SpawnOptions{})
	}
	assert.Equal(t, GuardClosed, g.State())
}

func TestGuardHalfOpenProbe(t *testing.T) {
	boom := errors.New("boom")
	results := []error{boom, boom, nil}
	g := NewGuardedSpawner(scriptedSpawner(&results), 2, time.Minute)

	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	for range 2 {
		_, _ = g.Spawn(SpawnOptions{})
	}
	require.Equal(t, GuardOpen, g.State())

	now = now.Add(time.Minute)
	assert.Equal(t, GuardHalfOpen, g.State())

	h, err := g.Spawn(SpawnOptions{})
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, GuardClosed, g.State())
}

func TestGuardHalfOpenFailureReopens(t *testing.T) {
	boom := errors.New("boom")
	results := []error{boom, boom}
	g := NewGuardedSpawner(scriptedSpawner(&results), 1, 10*time.Second)

	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	_, _ = g.Spawn(SpawnOptions{})
	require.Equal(t, GuardOpen, g.State())

	now = now.Add(10 * time.Second)
	_, err := g.Spawn(SpawnOptions{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, GuardOpen, g.State())

	now = now.Add(5 * time.Second)
	_, err = g.Spawn(SpawnOptions{})
	assert.ErrorIs(t, err, ErrSpawnThrottled)
}

func TestGuardDisabled(t *testing.T) {
	boom := errors.New("boom")
	results := []error{boom, boom, boom, nil}
	g := NewGuardedSpawner(scriptedSpawner(&results), 0, 0)

	for range 3 {
		_, err := g.Spawn(SpawnOptions{})
		assert.ErrorIs(t, err, boom)
	}
	_, err := g.Spawn(SpawnOptions{})
	assert.NoError(t, err)
	assert.Equal(t, GuardClosed, g.State())
}
