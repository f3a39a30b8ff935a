package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, err := New("perpd", "INFO")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, Module(logger, "keeper"))

	_, err = New("perpd", "chatty")
	require.Error(t, err)

	assert.NotNil(t, Quiet())
}
