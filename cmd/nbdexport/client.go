package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coldbit/nbdexport/internal/config"
	"github.com/coldbit/nbdexport/internal/hostclient"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client <config.toml>",
		Short: "Attach a kernel NBD device to a remote export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(args[0])
		},
	}
	return cmd
}

func runClient(configPath string) error {
	doc, err := config.LoadClientDocument(configPath)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	binding, closeDevice, err := openDeviceBinding(doc.NBD.File)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	defer closeDevice()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	return hostclient.Run(ctx, hostclient.Config{
		NBD: hostclient.NBDConfig{
			BlockSize: doc.NBD.BlockSize,
			Timeout:   doc.NBD.Timeout,
		},
		Server: hostclient.ServerConfig{
			Address: doc.Server.Address,
			Port:    doc.Server.Port,
		},
		Backend: hostclient.BackendConfig{
			Name:    doc.Backend.Name,
			Options: doc.Backend.Options,
		},
	}, binding)
}
