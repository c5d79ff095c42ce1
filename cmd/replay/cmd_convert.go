package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tilewars.ai/internal/persistence/asm"
	"tilewars.ai/internal/persistence/replayfile"
	"tilewars.ai/internal/persistence/textio"
	"tilewars.ai/internal/scenario"
)

type writerFlags struct {
	compressMap    bool
	compressFrames bool
	optimize       bool
}

func addWriterFlags(cmd *cobra.Command, wf *writerFlags, withOptimize bool) {
	cmd.Flags().BoolVar(&wf.compressMap, "compress-map", false, "LZ4-compress the map (default writer.compress_map)")
	cmd.Flags().BoolVar(&wf.compressFrames, "compress-frames", false, "LZ4-compress the frame section (default writer.compress_frames)")
	if withOptimize {
		cmd.Flags().BoolVar(&wf.optimize, "optimize", false, "canonicalize every payload (default writer.optimize)")
	}
}

// resolve fills unset flags from the loaded configuration.
func (a *app) resolve(cmd *cobra.Command, wf writerFlags) writerFlags {
	if !cmd.Flags().Changed("compress-map") {
		wf.compressMap = a.cfg.Writer.CompressMap
	}
	if !cmd.Flags().Changed("compress-frames") {
		wf.compressFrames = a.cfg.Writer.CompressFrames
	}
	if cmd.Flags().Lookup("optimize") != nil && !cmd.Flags().Changed("optimize") {
		wf.optimize = a.cfg.Writer.Optimize
	}
	return wf
}

// writeAtomic writes path through a temp file in the same directory, so
// a failed write never leaves a partial file and in-place rewrites work.
func writeAtomic(path string, fn func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := fn(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (a *app) reencodeCmd() *cobra.Command {
	var (
		wf        writerFlags
		anonymize bool
	)
	cmd := &cobra.Command{
		Use:   "re-encode <in> <out>",
		Short: "Rewrite a file, optionally optimizing payloads, changing compression or dropping player names",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf := a.resolve(cmd, wf)
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			var st replayfile.ReencodeStats
			err = writeAtomic(args[1], func(out *os.File) error {
				var err error
				st, err = replayfile.Reencode(replayfile.NewWriter(out, nil), in, replayfile.ReencodeOptions{
					CompressMap:    wf.compressMap,
					CompressFrames: wf.compressFrames,
					Optimize:       wf.optimize,
					Anonymize:      anonymize,
				})
				return err
			})
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			a.printf("frames=%d payloads=%d msgs_in=%d msgs_out=%d\n", st.Frames, st.Payloads, st.MsgsIn, st.MsgsOut)
			return nil
		},
	}
	addWriterFlags(cmd, &wf, true)
	cmd.Flags().BoolVar(&anonymize, "anonymize", false, "drop player names, keeping the player count")
	return cmd
}

func (a *app) disassembleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disassemble <in> [out]",
		Short: "Write the frame section as assembly text (.zst output is compressed, - is stdout)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := textio.Stdio
			if len(args) == 2 {
				out = args[1]
			}
			return a.disassemble(args[0], out)
		},
	}
}

func (a *app) disassemble(in, out string) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()
	rf, err := replayfile.Open(f, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	rep, err := rf.VerifyChecksums()
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	if !rep.OK() {
		return fmt.Errorf("%s: %w", in, rep.Err())
	}
	_, fr, err := rf.ReadIS()
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	w, err := textio.Create(out)
	if err != nil {
		return err
	}
	if err := asm.Disassemble(w, fr); err != nil {
		_ = w.Close()
		return fmt.Errorf("%s: %w", in, err)
	}
	return w.Close()
}

func (a *app) assembleCmd() *cobra.Command {
	var (
		wf       writerFlags
		from     string
		scenFile string
	)
	cmd := &cobra.Command{
		Use:   "assemble <in.asm> <out>",
		Short: "Build a file from assembly text and the init-sequence of a replay or scenario",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf := a.resolve(cmd, wf)
			var (
				is  *replayfile.ISData
				err error
			)
			switch {
			case from != "" && scenFile != "":
				return fmt.Errorf("--from and --scenario are mutually exclusive")
			case from != "":
				is, err = readIS(from)
			case scenFile != "":
				is, err = scenario.Load(scenFile)
			default:
				return fmt.Errorf("one of --from or --scenario is required")
			}
			if err != nil {
				return err
			}
			return a.writeReplay(args[1], is, args[0], wf)
		},
	}
	addWriterFlags(cmd, &wf, false)
	cmd.Flags().StringVar(&from, "from", "", "replay file providing map, cities, players and rules")
	cmd.Flags().StringVar(&scenFile, "scenario", "", "scenario document providing map, cities, players and rules")
	return cmd
}

func (a *app) createCmd() *cobra.Command {
	var (
		wf     writerFlags
		frames string
	)
	cmd := &cobra.Command{
		Use:   "create <scenario.yaml> <out>",
		Short: "Build a file from a scenario document, with frames from assembly text if given",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf := a.resolve(cmd, wf)
			is, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			return a.writeReplay(args[1], is, frames, wf)
		},
	}
	addWriterFlags(cmd, &wf, false)
	cmd.Flags().StringVar(&frames, "frames", "", "assembly text for the frame section")
	return cmd
}

func readIS(path string) (*replayfile.ISData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rf, err := replayfile.Open(f, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := rf.VerifyISChecksum(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	is, _, err := rf.ReadIS()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return is, nil
}

// writeReplay writes is followed by the frames assembled from asmPath, or
// no frames when asmPath is empty.
func (a *app) writeReplay(out string, is *replayfile.ISData, asmPath string, wf writerFlags) error {
	var src io.ReadCloser
	if asmPath != "" {
		r, err := textio.Open(asmPath)
		if err != nil {
			return err
		}
		defer r.Close()
		src = r
	}
	err := writeAtomic(out, func(f *os.File) error {
		his, err := replayfile.WriteIS(replayfile.NewSeekableWriter(f, nil), is, wf.compressMap)
		if err != nil {
			return err
		}
		if src == nil {
			return his.Finish()
		}
		fe, err := his.StartFrames(wf.compressFrames)
		if err != nil {
			return err
		}
		done, err := asm.Assemble(src, fe)
		if err != nil {
			return fmt.Errorf("%s: %w", asmPath, err)
		}
		return done.Finish()
	})
	if err != nil {
		return err
	}
	a.log.Printf("wrote %s topology=%s size=%d players=%d cits=%d", out, is.Map.Topology(), is.Map.Size(), is.NumPlayers, len(is.Cits))
	return nil
}
