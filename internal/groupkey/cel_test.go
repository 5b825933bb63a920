package groupkey

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gofer/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_InputAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"input": map[string]any{
			"customer_id": "cust-42",
			"amount":      int64(150),
		},
	}

	t.Run("string field", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `input.customer_id`, data)
		require.NoError(t, err)
		assert.Equal(t, "cust-42", out)
	})

	t.Run("conditional key", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(),
			`input.amount > 100 ? "large" : "small"`, data)
		require.NoError(t, err)
		assert.Equal(t, "large", out)
	})
}

func TestCEL_MetadataAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"metadata": map[string]any{"region": "eu-west-1"},
	}

	out, err := e.Evaluate(context.Background(), `metadata.region`, data)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", out)
}

func TestCEL_ActionEnvelopeAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"action": map[string]any{"tenant_id": "tenant-1"},
	}

	out, err := e.Evaluate(context.Background(), `action.tenant_id + "/checkout"`, data)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1/checkout", out)
}

func TestCEL_MissingKeysDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// No data at all: has() guards still work.
	out, err := e.Evaluate(context.Background(), `has(input.customer_id)`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)

	var gerr *schema.GoferError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "input.", nil)
	require.Error(t, err)

	var gerr *schema.GoferError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
	assert.Equal(t, "input.", gerr.Details["expression"])
}

func TestCEL_UnknownVariable(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// Variables outside the sandbox are compile errors.
	_, err = e.Evaluate(context.Background(), "secrets.token", nil)
	require.Error(t, err)
}

func TestCEL_ProgramCaching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	expr := `input.customer_id`
	data := map[string]any{"input": map[string]any{"customer_id": "a"}}

	_, err = e.Evaluate(context.Background(), expr, data)
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), expr, data)
	require.NoError(t, err)

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1, "same expression should compile once")
}

func TestCEL_ConcurrentEvaluation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{"input": map[string]any{"customer_id": "cust-1"}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `input.customer_id`, data)
			assert.NoError(t, err)
			assert.Equal(t, "cust-1", out)
		}()
	}
	wg.Wait()
}
