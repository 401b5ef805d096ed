package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/rules"
)

func testFactory() FuncFactory {
	return FuncFactory{
		"enrich": func(_ context.Context, rec rules.Record) (rules.Record, error) {
			rec["enriched"] = true
			return rec, nil
		},
		"score": func(_ context.Context, rec rules.Record) (rules.Record, error) {
			rec["score"] = 42.0
			return rec, nil
		},
		"fail": func(_ context.Context, rec rules.Record) (rules.Record, error) {
			return nil, errors.New("stage blew up")
		},
	}
}

func TestDispatcher_RunsStagesInOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) HandlerFunc {
		return func(_ context.Context, rec rules.Record) (rules.Record, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return rec, nil
		}
	}
	d := NewDispatcher(FuncFactory{"a": record("a"), "b": record("b"), "c": record("c")})

	res, err := d.Execute(context.Background(), "p1", []string{"c", "a", "b"}, rules.Record{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, order)
	// The fall-through terminator appears in the trace.
	require.Len(t, res.Stages, 4)
	assert.Equal(t, "fall_through", res.Stages[3].Stage)
}

func TestDispatcher_HandlersSeePreviousOutput(t *testing.T) {
	d := NewDispatcher(testFactory())

	res, err := d.Execute(context.Background(), "p1", []string{"enrich", "score"}, rules.Record{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["enriched"])
	assert.Equal(t, 42.0, res.Output["score"])
	assert.Equal(t, 1, res.Output["id"])
}

func TestDispatcher_UnknownStageFailsBeforeAnyRun(t *testing.T) {
	ran := false
	d := NewDispatcher(FuncFactory{
		"ok": func(_ context.Context, rec rules.Record) (rules.Record, error) {
			ran = true
			return rec, nil
		},
	})

	_, err := d.Execute(context.Background(), "p1", []string{"ok", "mystery"}, rules.Record{})
	require.Error(t, err)
	var unknown *StageUnknownError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "mystery", unknown.Stage)
	assert.Equal(t, "p1", unknown.Process)
	assert.False(t, ran, "no handler may run when the chain fails to build")
}

func TestDispatcher_StageErrorAbortsChain(t *testing.T) {
	d := NewDispatcher(testFactory())

	_, err := d.Execute(context.Background(), "p1", []string{"enrich", "fail", "score"}, rules.Record{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage blew up")
	assert.Contains(t, err.Error(), "fail")
}

func TestDispatcher_CallerRecordNotMutated(t *testing.T) {
	d := NewDispatcher(testFactory())
	in := rules.Record{"id": 7}

	_, err := d.Execute(context.Background(), "p1", []string{"enrich"}, in)
	require.NoError(t, err)
	_, mutated := in["enriched"]
	assert.False(t, mutated)
}

func TestChain_ReentrantAcrossConcurrentExecutions(t *testing.T) {
	d := NewDispatcher(testFactory())
	chain, err := d.Build("p1", []string{"enrich", "score"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := chain.Run(context.Background(), rules.Record{"id": i})
			assert.NoError(t, err)
			assert.Equal(t, i, res.Output["id"])
		}(i)
	}
	wg.Wait()
}

func TestChain_Cancellation(t *testing.T) {
	d := NewDispatcher(testFactory())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Execute(ctx, "p1", []string{"enrich"}, rules.Record{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_EmptyStagesRunsTerminatorOnly(t *testing.T) {
	d := NewDispatcher(testFactory())

	res, err := d.Execute(context.Background(), "p1", nil, rules.Record{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "v", res.Output["k"])
	require.Len(t, res.Stages, 1)
	assert.Equal(t, "fall_through", res.Stages[0].Stage)
}
