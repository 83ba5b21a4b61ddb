package controlplane_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbit/nbdexport/internal/controlplane"
)

func TestFirstControllerStrategy(t *testing.T) {
	want := controlplane.Controller{ID: "c0", Address: "10.0.0.1:9000"}
	others := controlplane.Controller{ID: "c1", Address: "10.0.0.2:9000"}

	got, err := controlplane.FirstControllerStrategy{}.SelectController("host-a", []controlplane.Controller{want, others})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFirstControllerStrategy_NoControllers(t *testing.T) {
	_, err := controlplane.FirstControllerStrategy{}.SelectController("host-a", nil)
	assert.ErrorIs(t, err, controlplane.ErrNoControllers)
}
