//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/coldbit/nbdexport/internal/devicectl"
)

func openDeviceBinding(path string) (devicectl.Binding, func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open nbd device %s: %w", path, err)
	}

	return devicectl.NewLinuxBinding(f), func() { _ = f.Close() }, nil
}
