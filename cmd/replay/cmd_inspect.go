package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tilewars.ai/internal/persistence/replayfile"
)

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <file>",
		Short: "Print headers, players, cities and frame statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.info(args[0])
		},
	}
}

func (a *app) info(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rf, err := replayfile.Open(f, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fh, ih := rf.Header, rf.ISHeader
	a.printf("file:        %s\n", path)
	a.printf("version:     %d.%d.%d.%d\n", fh.Version[0], fh.Version[1], fh.Version[2], fh.Version[3])
	a.printf("topology:    %s size %d\n", ih.Topology, ih.Size)
	a.printf("map:         %d bytes raw, %s\n", ih.MapRawLen, stored(ih.MapCompressed(), ih.MapPackedLen))
	a.printf("frames:      %d bytes raw, %s\n", fh.FramesRawLen, stored(fh.FramesCompressed(), fh.FramesPackedLen))
	a.printf("checksums:   header=%016x is=%016x frames=%016x\n", fh.ChecksumHeader, fh.ChecksumIS, fh.ChecksumFrames)

	rep, err := rf.VerifyChecksums()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	a.printf("verified:    %s\n", reportLine(rep))

	is, fr, err := rf.ReadIS()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if is.Anonymized() {
		a.printf("players:     %d (anonymized)\n", is.NumPlayers)
	} else {
		a.printf("players:     %s\n", strings.Join(is.Players, ", "))
	}
	for i, c := range is.Cits {
		name := c.Name
		if name == "" {
			name = "-"
		}
		a.printf("city %-2d      %s at %s\n", i, name, c.Pos)
	}
	a.printf("rules:       %d bytes\n", len(is.Rules))

	var frames, hetero, spectator int
	var ticks uint64
	for {
		fm, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		frames++
		ticks += uint64(fm.Header.Delta)
		switch {
		case fm.Header.Heterogeneous:
			hetero++
		case fm.Header.Players.Empty():
			spectator++
		}
	}
	a.printf("frame count: %d (%d heterogeneous, %d spectator-only)\n", frames, hetero, spectator)
	a.printf("ticks:       %d\n", ticks)
	return nil
}

func stored(compressed bool, packed uint32) string {
	if compressed {
		return fmt.Sprintf("lz4 %d bytes", packed)
	}
	return "uncompressed"
}

func reportLine(rep replayfile.ChecksumReport) string {
	if rep.OK() {
		return "ok"
	}
	return rep.Err().Error()
}

func (a *app) verifyCmd() *cobra.Command {
	var parallel int
	cmd := &cobra.Command{
		Use:   "verify-checksum <file>...",
		Short: "Verify the header, init-sequence and frame checksums of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallel <= 0 {
				parallel = a.cfg.Verify.Parallel
			}
			return a.verify(args, parallel)
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "j", 0, "files verified at once (default verify.parallel)")
	return cmd
}

func (a *app) verify(paths []string, parallel int) error {
	results := make([]error, len(paths))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, p := range paths {
		g.Go(func() error {
			results[i] = verifyFile(p, new(replayfile.Scratch))
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, p := range paths {
		if results[i] != nil {
			failed++
			a.printf("FAIL %s: %v\n", p, results[i])
			continue
		}
		a.printf("OK   %s\n", p)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed verification", failed, len(paths))
	}
	return nil
}

func verifyFile(path string, scratch *replayfile.Scratch) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rf, err := replayfile.Open(f, scratch)
	if err != nil {
		return err
	}
	rep, err := rf.VerifyChecksums()
	if err != nil {
		return err
	}
	return rep.Err()
}

func (a *app) fixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix-checksum <file>...",
		Short: "Recompute and rewrite the checksums of files edited in place",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fixed, failed int
			for _, p := range args {
				changed, err := fixFile(p)
				switch {
				case err != nil:
					failed++
					a.printf("FAIL  %s: %v\n", p, err)
				case changed:
					fixed++
					a.printf("FIXED %s\n", p)
				default:
					a.printf("OK    %s\n", p)
				}
			}
			a.log.Printf("fix-checksum files=%d fixed=%d failed=%d", len(args), fixed, failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d files could not be repaired", failed, len(args))
			}
			return nil
		},
	}
}

func fixFile(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	rep, err := replayfile.RecomputeChecksums(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return false, err
	}
	return rep.Changed(), nil
}
