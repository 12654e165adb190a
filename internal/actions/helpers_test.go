package actions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

// requireFlowError asserts err is a FlowError carrying the given code.
func requireFlowError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe), "want FlowError, got %T: %v", err, err)
	assert.Equal(t, code, fe.Code)
}
