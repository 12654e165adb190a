package expressions

import (
	"context"
	"testing"

	"github.com/rendis/flowrun/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSet(t *testing.T) {
	set, err := NewSet()
	require.NoError(t, err)
	require.NotNil(t, set)
}

func TestSet_ForLanguage(t *testing.T) {
	set, err := NewSet()
	require.NoError(t, err)

	t.Run("empty tag defaults to cel", func(t *testing.T) {
		e, err := set.ForLanguage("")
		require.NoError(t, err)
		assert.Equal(t, "cel", e.Name())
	})

	t.Run("cel", func(t *testing.T) {
		e, err := set.ForLanguage("cel")
		require.NoError(t, err)
		assert.Equal(t, "cel", e.Name())
	})

	t.Run("expr", func(t *testing.T) {
		e, err := set.ForLanguage("expr")
		require.NoError(t, err)
		assert.Equal(t, "expr", e.Name())
	})

	t.Run("jq", func(t *testing.T) {
		e, err := set.ForLanguage("jq")
		require.NoError(t, err)
		assert.Equal(t, "jq", e.Name())
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, err := set.ForLanguage("lua")
		require.Error(t, err)
		var flowErr *schema.FlowError
		require.ErrorAs(t, err, &flowErr)
		assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
		assert.Contains(t, flowErr.Message, "lua")
	})
}

func TestSet_EnginesShareCaches(t *testing.T) {
	set, err := NewSet()
	require.NoError(t, err)

	// The same engine instance is returned on every lookup, so compiled
	// programs persist across runs.
	e1, err := set.ForLanguage("cel")
	require.NoError(t, err)
	e2, err := set.ForLanguage("")
	require.NoError(t, err)
	assert.Same(t, e1, e2)

	_, err = e1.Evaluate(context.Background(), `1 + 1`, nil)
	require.NoError(t, err)

	cel := e1.(*CELEngine)
	cel.programs.mu.RLock()
	defer cel.programs.mu.RUnlock()
	assert.Len(t, cel.programs.m, 1)
}

func TestLanguages(t *testing.T) {
	assert.Equal(t, []string{"cel", "expr", "jq"}, Languages())
}
