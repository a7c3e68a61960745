package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/menulens/internal/models"
)

func TestHandle_ResolvesOnce(t *testing.T) {
	registry := NewRegistry()
	h := registry.Register(context.Background(), models.Unit{ID: "unit_a"})

	assert.True(t, h.Resolve(models.Succeeded("ignored", "gemini", nil, 0)))
	assert.False(t, h.Resolve(models.Failed("unit_a", errors.New("late"))))
	assert.False(t, h.Cancel(errors.New("too late")))

	<-h.Done()
	result := h.Result()
	assert.True(t, result.Success)
	assert.Equal(t, "unit_a", result.UnitID, "result is bound to the handle's unit")
	assert.Error(t, h.Context().Err(), "resolving releases the unit context")
}

func TestHandle_CancelFails(t *testing.T) {
	registry := NewRegistry()
	h := registry.Register(context.Background(), models.Unit{ID: "unit_b"})

	cause := errors.New("deadline")
	assert.True(t, h.Cancel(cause))

	result := h.Result()
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, cause)
}

func TestHandle_ParentCancellationReachesUnitContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewRegistry().Register(ctx, models.Unit{ID: "unit_c"})

	cancel()
	<-h.Context().Done()

	select {
	case <-h.Done():
		t.Fatal("parent cancellation must not resolve the handle by itself")
	default:
	}
}

func TestRegistry_LookupRemove(t *testing.T) {
	registry := NewRegistry()
	registry.Register(context.Background(), models.Unit{ID: "unit_1"})
	registry.Register(context.Background(), models.Unit{ID: "unit_2"})
	assert.Equal(t, 2, registry.Len())

	_, ok := registry.Lookup("unit_1")
	assert.True(t, ok)

	registry.Remove("unit_1", "missing")
	_, ok = registry.Lookup("unit_1")
	assert.False(t, ok)
	assert.Equal(t, 1, registry.Len())
}
