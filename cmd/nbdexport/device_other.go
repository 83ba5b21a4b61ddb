//go:build !linux

package main

import (
	"fmt"

	"github.com/coldbit/nbdexport/internal/devicectl"
)

func openDeviceBinding(path string) (devicectl.Binding, func(), error) {
	return nil, nil, fmt.Errorf("attaching a kernel NBD device is only supported on linux")
}
