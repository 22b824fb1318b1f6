// Command unfsformat writes a blank UNFS image to a device or file
// (spec.md §6's `format` CLI).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/deyohong/UNFS/config"
	"github.com/deyohong/UNFS/storage/device"
	"github.com/deyohong/UNFS/unfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var label string
	var quiet bool
	var delMax uint32

	cmd := &cobra.Command{
		Use:   "unfsformat DEVICE",
		Short: "Format a device (or file) with a blank UNFS image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if quiet {
				logrus.SetLevel(logrus.WarnLevel)
			}
			return runFormat(args[0], label, delMax)
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "volume label stored in the header")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress informational logging")
	cmd.Flags().Uint32Var(&delMax, "del-max", 0, "deletion-stack capacity (0 uses the default)")
	return cmd
}

func runFormat(path, label string, delMax uint32) error {
	cfg := config.FromEnv()
	if path == "" {
		path = cfg.Device
	}

	dev, err := device.OpenRaw(path)
	if err != nil {
		return fmt.Errorf("unfsformat: %w", err)
	}
	defer dev.Close()

	blockCount, blockSize, pageCount := dev.Capacity()
	log := logrus.WithFields(logrus.Fields{"device": path, "op": "format"})
	log.Infof("formatting %d pages (%d blocks of %d bytes)", pageCount, blockCount, blockSize)

	if err := unfs.Format(context.Background(), dev, label, delMax); err != nil {
		return fmt.Errorf("unfsformat: %w", err)
	}
	log.Info("format complete")
	return nil
}
