package startup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campoverde/campo/pkg/applog"
)

func component(name string, needs []string, events *[]string) *Component {
	return &Component{
		Name:  name,
		Needs: needs,
		StartFn: func(ctx context.Context) error {
			*events = append(*events, "start "+name)
			return nil
		},
		StopFn: func(ctx context.Context) error {
			*events = append(*events, "stop "+name)
			return nil
		},
	}
}

func TestStartup_OrdersByDependencies(t *testing.T) {
	ctx := context.Background()
	var events []string

	graph := NewStartup(applog.NewNop(), 1)
	// Registered child-first; parents must still start first.
	graph.AddDependency(component("worker", []string{"observer"}, &events))
	graph.AddDependency(component("observer", nil, &events))
	graph.AddDependency(component("warmer", []string{"observer"}, &events))

	require.NoError(t, graph.Start(ctx))
	assert.Equal(t, []string{"start observer", "start worker", "start warmer"}, events)

	events = nil
	require.NoError(t, graph.Stop(ctx))
	assert.Equal(t, []string{"stop warmer", "stop observer", "stop worker"}, events,
		"reverse registration order")
}

func TestStartup_UnregisteredParentFails(t *testing.T) {
	ctx := context.Background()
	var events []string

	graph := NewStartup(applog.NewNop(), 1)
	graph.AddDependency(component("worker", []string{"ghost"}, &events))

	require.Error(t, graph.Start(ctx))
	assert.Empty(t, events)
}

func TestStartup_RetriesFailedAttempts(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	flaky := &Component{
		Name: "flaky",
		StartFn: func(ctx context.Context) error {
			attempts++
			if attempts < 2 {
				return errors.New("not ready")
			}
			return nil
		},
	}

	graph := NewStartup(applog.NewNop(), 3)
	graph.AddDependency(flaky)

	require.NoError(t, graph.Start(ctx))
	assert.Equal(t, 2, attempts)
}

func TestStartup_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()

	broken := &Component{
		Name:    "broken",
		StartFn: func(ctx context.Context) error { return errors.New("no") },
	}

	graph := NewStartup(applog.NewNop(), 2)
	graph.AddDependency(broken)

	err := graph.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestStartup_StopSkipsNeverStarted(t *testing.T) {
	ctx := context.Background()
	var events []string

	graph := NewStartup(applog.NewNop(), 1)
	graph.AddDependency(component("ok", nil, &events))
	graph.AddDependency(&Component{
		Name:    "failing",
		StartFn: func(ctx context.Context) error { return errors.New("no") },
		StopFn: func(ctx context.Context) error {
			events = append(events, "stop failing")
			return nil
		},
	})

	require.Error(t, graph.Start(ctx))

	events = nil
	require.NoError(t, graph.Stop(ctx))
	assert.Equal(t, []string{"stop ok"}, events, "a component that never started is not stopped")
}
