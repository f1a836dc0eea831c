package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/danmuck/panopticon/internal/rfid/capture"
	"github.com/danmuck/panopticon/internal/rfid/manchester"
	"github.com/danmuck/panopticon/internal/sentinel"
	"github.com/spf13/cobra"
)

func newCaptureCommand() *cobra.Command {
	var (
		tagRaw  string
		frames  int
		halfBit time.Duration
		out     string
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Write a replay file presenting one tag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tag, err := rfid.ParseTagID(tagRaw)
			if err != nil {
				return err
			}
			cfg := manchester.Config{HalfBit: halfBit}.WithDefaults()
			edges := sentinel.TagEdges(tag, frames, cfg, 0)
			if out == "" || out == "-" {
				return capture.WriteReplay(cmd.OutOrStdout(), edges)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			w := bufio.NewWriter(f)
			if err := capture.WriteReplay(w, edges); err != nil {
				_ = f.Close()
				return err
			}
			if err := w.Flush(); err != nil {
				_ = f.Close()
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d edges for %s to %s\n", len(edges), tag, out)
			return f.Close()
		},
	}
	cmd.Flags().StringVar(&tagRaw, "tag", "", "tag id, e.g. 80:00:48:23:4C")
	cmd.Flags().IntVar(&frames, "frames", 4, "frames to render")
	cmd.Flags().DurationVar(&halfBit, "half-bit", manchester.DefaultHalfBit, "half-bit period")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}
