package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestStartup_StartsParentsFirstAndStopsInReverse(t *testing.T) {
	var events []string
	s := NewStartup(testLogger(), 1)
	for _, dep := range []Func{
		{Name: "api", Requires: []string{"postgres", "redis"}},
		{Name: "postgres"},
		{Name: "redis", Requires: []string{"postgres"}},
	} {
		name := dep.Name
		dep.OnStart = func(context.Context) error { events = append(events, "start:"+name); return nil }
		dep.OnStop = func(context.Context) error { events = append(events, "stop:"+name); return nil }
		s.AddDependency(dep)
	}

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []string{
		"start:postgres", "start:redis", "start:api",
		"stop:api", "stop:redis", "stop:postgres",
	}, events)
	assert.Equal(t, StatusStopped, s.Status("api"))
}

func TestStartup_RetriesUntilDependencyComesUp(t *testing.T) {
	calls := 0
	s := NewStartup(testLogger(), 3)
	s.backoffUnit = time.Millisecond
	s.AddDependency(Func{Name: "kafka", OnStart: func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("broker not ready")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
	assert.Equal(t, StatusStarted, s.Status("kafka"))
}

func TestStartup_GivesUpAfterMaxAttempts(t *testing.T) {
	s := NewStartup(testLogger(), 2)
	s.backoffUnit = time.Millisecond
	boom := errors.New("down")
	s.AddDependency(Func{Name: "postgres", OnStart: func(context.Context) error { return boom }})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailed, s.Status("postgres"))
}

func TestStartup_DetectsCycles(t *testing.T) {
	s := NewStartup(testLogger(), 1)
	s.AddDependency(Func{Name: "a", Requires: []string{"b"}})
	s.AddDependency(Func{Name: "b", Requires: []string{"a"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
