// Package controlplane declares the Go-side seam between this repository's
// NBD data plane and an external DPU control plane (volume lifecycle,
// namespace attach/detach, controller selection). No HTTP server or
// business logic lives here — that surface is out of scope per spec.md
// §1 — only the interface types a real control-plane implementation would
// satisfy, and the strategy seam spec.md's Design Notes flag as
// provisional in the original source ("always pick the first controller").
package controlplane

import (
	"context"
	"errors"
)

// Controller identifies one DPU-side controller a volume can be attached
// through.
type Controller struct {
	ID      string
	Address string
}

// Volume describes a block volume as the control plane tracks it.
type Volume struct {
	ID         string
	SizeBytes  uint64
	Controller Controller
}

// ControllerStrategy selects which controller a new attach should use from
// the set the control plane reports as available to host. The original
// source always returned the first entry; that heuristic is now one
// possible implementation rather than baked into the core.
type ControllerStrategy interface {
	SelectController(host string, controllers []Controller) (Controller, error)
}

// FirstControllerStrategy reproduces the original source's behavior: the
// first controller in the list, unconditionally.
type FirstControllerStrategy struct{}

func (FirstControllerStrategy) SelectController(_ string, controllers []Controller) (Controller, error) {
	if len(controllers) == 0 {
		return Controller{}, ErrNoControllers
	}
	return controllers[0], nil
}

// ErrNoControllers is returned when a strategy is asked to choose from an
// empty controller list.
var ErrNoControllers = errors.New("controlplane: no controllers available")

// VolumeAPI is the subset of the DPU's REST contract concerned with volume
// lifecycle.
type VolumeAPI interface {
	CreateVolume(ctx context.Context, sizeBytes uint64) (Volume, error)
	DeleteVolume(ctx context.Context, volumeID string) error
}

// AttachAPI is the subset of the DPU's REST contract concerned with
// exposing a volume to a host as a namespace behind a DPU controller.
type AttachAPI interface {
	AttachNamespace(ctx context.Context, volumeID string, host string) (Controller, error)
	DetachNamespace(ctx context.Context, volumeID string, host string) error
}
