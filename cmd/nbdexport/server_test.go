package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldbit/nbdexport/internal/config"
)

func TestBuildRegistry_MemImageAndUnknownKind(t *testing.T) {
	doc := config.ServerDocument{
		Backends: map[string]map[string]interface{}{
			"memimage": {"size": int64(4096)},
			"weird":    {},
		},
	}

	registry, closeAll, err := buildRegistry(context.Background(), doc, zap.NewNop())
	require.NoError(t, err)
	defer closeAll()

	factory, err := registry.Lookup("memimage")
	require.NoError(t, err)
	handler, err := factory("scratch", 512, nil)
	require.NoError(t, err)
	defer handler.Close()
	assert.EqualValues(t, 4096, handler.Size())

	_, err = registry.Lookup("weird")
	assert.Error(t, err)
}
