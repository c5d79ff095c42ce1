// Command replay inspects, verifies, converts and catalogues replay files.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"tilewars.ai/internal/config"
)

func main() {
	root := newRootCmd(os.Stdout, os.Stderr, nil)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	// environ replaces the process environment when set.
	environ map[string]string

	cfgPath string
	cfg     config.Config
	log     *log.Logger
}

func newRootCmd(stdout, stderr io.Writer, environ map[string]string) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr, environ: environ}
	root := &cobra.Command{
		Use:           "replay",
		Short:         "Inspect, verify, convert and catalogue tilewars replay files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.log = log.New(a.stderr, "[replay] ", log.LstdFlags|log.Lmicroseconds)
			path := a.cfgPath
			if path == "" {
				path = a.getenv("TW_CONFIG")
			}
			cfg, err := config.Load(path, a.environ)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			a.cfg = cfg
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to replay.yaml (default $TW_CONFIG)")

	root.AddCommand(
		a.infoCmd(),
		a.verifyCmd(),
		a.fixCmd(),
		a.reencodeCmd(),
		a.disassembleCmd(),
		a.assembleCmd(),
		a.createCmd(),
		a.indexCmd(),
		a.queryCmd(),
	)
	return root
}

func (a *app) getenv(key string) string {
	if a.environ != nil {
		return a.environ[key]
	}
	return os.Getenv(key)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}
