package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/paleumm/zanim/internal/miscdev"
	"github.com/paleumm/zanim/registry"
)

type demoFlags struct {
	hex   bool
	stats bool
}

func newDemoCmd() *cobra.Command {
	flags := &demoFlags{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through the device contract on an in-process device",
		Long: `Load a single device, write "hello" at offset 0 and "!!!" at offset 10,
then read it back. The gap between the two writes reads as zero bytes and a
read at the end of the data returns nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.hex, "hex", false, "Print a hex dump of the final contents")
	cmd.Flags().BoolVar(&flags.stats, "stats", false, "Print the registry statistics as JSON")
	return cmd
}

func runDemo(cmd *cobra.Command, flags *demoFlags) error {
	logger, err := quietLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	host := miscdev.NewHost(&miscdev.HostOptions{Logger: logger})
	reg, err := registry.Initialize(host, &registry.Options{Devices: 1, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = reg.Teardown() }()

	out := cmd.OutOrStdout()

	w, err := host.Open(registry.DefaultName, os.O_WRONLY)
	if err != nil {
		return err
	}
	for _, step := range []struct {
		data   string
		offset int64
	}{
		{data: "hello", offset: 0},
		{data: "!!!", offset: 10},
	} {
		n, err := w.WriteAt([]byte(step.data), step.offset)
		if err != nil {
			_ = w.Close()
			return err
		}
		fmt.Fprintf(out, "write %q at %d -> %d\n", step.data, step.offset, n)
	}
	if err := w.Close(); err != nil {
		return err
	}

	r, err := host.Open(registry.DefaultName, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer r.Close()

	buf := make([]byte, 100)
	var contents []byte
	for _, offset := range []int64{0, 13} {
		n, err := r.ReadAt(buf, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		fmt.Fprintf(out, "read %d at %d -> %d\n", len(buf), offset, n)
		if offset == 0 {
			contents = append(contents, buf[:n]...)
		}
	}
	fmt.Fprintf(out, "contents: %q\n", contents)

	if flags.hex {
		fmt.Fprint(out, hex.Dump(contents))
	}
	if flags.stats {
		data, err := json.MarshalIndent(reg.Stats(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}
