package main

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveSubPath(t *testing.T) {
	nb, note := uuid.NewString(), uuid.NewString()

	p, err := liveSubPath("", "")
	require.NoError(t, err)
	assert.Equal(t, "ws", p)

	p, err = liveSubPath(nb, "")
	require.NoError(t, err)
	assert.Equal(t, "notebooks/"+nb+"/ws", p)

	p, err = liveSubPath(nb, note)
	require.NoError(t, err)
	assert.Equal(t, "notebooks/"+nb+"/notes/"+note+"/ws", p)

	_, err = liveSubPath("", note)
	assert.Error(t, err)
	_, err = liveSubPath("nope", "")
	assert.Error(t, err)
}
