package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tilewars.ai/internal/persistence/archive"
	"tilewars.ai/internal/persistence/indexdb"
	"tilewars.ai/internal/persistence/r2s3"
	"tilewars.ai/internal/persistence/replayfile"
)

// syncEvery bounds how many records queue in the SQLite writer before the
// command waits for them, keeping it below the writer's queue capacity.
const syncEvery = 1024

func (a *app) indexCmd() *cobra.Command {
	var (
		dbPath   string
		archDir  string
		parallel int
	)
	cmd := &cobra.Command{
		Use:   "index <file|dir>...",
		Short: "Verify replay files and record them in the catalogue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = a.cfg.Index.SQLitePath
			}
			if archDir == "" {
				archDir = a.cfg.Archive.Dir
			}
			if parallel <= 0 {
				parallel = a.cfg.Verify.Parallel
			}
			paths, err := collectReplays(args)
			if err != nil {
				return err
			}
			return a.index(cmd.Context(), paths, dbPath, archDir, parallel)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite catalogue (default index.sqlite_path)")
	cmd.Flags().StringVar(&archDir, "archive", "", "copy verified files under content keys here (default archive.dir)")
	cmd.Flags().IntVarP(&parallel, "parallel", "j", 0, "files inspected at once (default verify.parallel)")
	return cmd
}

// collectReplays expands directories to the replay files beneath them.
func collectReplays(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		st, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			out = append(out, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), archive.Ext) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (a *app) index(ctx context.Context, paths []string, dbPath, archDir string, parallel int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	db, err := indexdb.OpenSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	catalog := indexdb.Multi{db}
	if ic := a.cfg.Index; ic.RemoteEndpoint != "" {
		remote, err := indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint:    ic.RemoteEndpoint,
			Token:       ic.RemoteToken,
			Source:      ic.RemoteSource,
			HTTPTimeout: ic.RemoteTimeout,
			Logger:      a.log,
		})
		if err != nil {
			_ = db.Close()
			return err
		}
		catalog = append(catalog, remote)
	}
	var mirror *r2s3.Mirror
	if mc := a.cfg.Mirror; mc.Enabled() {
		client, err := r2s3.New(mc.Endpoint, mc.Bucket, mc.Region, mc.AccessKey, mc.SecretKey)
		if err != nil {
			_ = catalog.Close()
			return fmt.Errorf("mirror: %w", err)
		}
		mirror = r2s3.NewMirror(client, r2s3.MirrorConfig{
			DataDir:      a.cfg.DataDir,
			Prefix:       mc.Prefix,
			Workers:      mc.Workers,
			EnqueueWait:  time.Minute,
			SkipExisting: mc.SkipExisting,
			Logger:       a.log,
		})
	}

	recs := make(chan indexdb.ReplayRecord, parallel)
	work := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for _, p := range paths {
			select {
			case work <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	var workers errgroup.Group
	for i := 0; i < parallel; i++ {
		workers.Go(func() error {
			var scratch replayfile.Scratch
			for p := range work {
				rec, err := indexdb.Inspect(p, &scratch)
				if err != nil {
					return err
				}
				select {
				case recs <- rec:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(recs)
		return workers.Wait()
	})

	counts := map[indexdb.Status]int{}
	var archived, mirrored int
	var failed []string
	n := 0
	for rec := range recs {
		catalog.Record(rec)
		counts[rec.Status]++
		if rec.Status != indexdb.StatusOK {
			failed = append(failed, fmt.Sprintf("%s: %s", rec.Path, rec.Error))
		} else {
			upload := rec.Path
			if archDir != "" {
				dst, stored, err := archive.Store(archDir, rec)
				if err != nil {
					a.log.Printf("archive %s: %v", rec.Path, err)
				} else {
					upload = dst
					if stored {
						archived++
					}
				}
			}
			if mirror != nil {
				key, err := archive.ObjectKey(rec)
				if err == nil && mirror.Enqueue(upload, key) {
					mirrored++
				}
			}
		}
		if n++; n%syncEvery == 0 {
			if err := db.Sync(ctx); err != nil {
				a.log.Printf("index sync: %v", err)
			}
		}
	}
	werr := g.Wait()
	if err := db.Sync(ctx); err != nil {
		a.log.Printf("index sync: %v", err)
	}
	mirror.Close()
	if err := catalog.Close(); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		return werr
	}

	for _, line := range failed {
		a.printf("FAIL %s\n", line)
	}
	a.printf("indexed=%d ok=%d checksum=%d corrupt=%d archived=%d mirrored=%d\n",
		n, counts[indexdb.StatusOK], counts[indexdb.StatusChecksum], counts[indexdb.StatusCorrupt], archived, mirrored)
	if mirror != nil {
		st := mirror.Stats()
		a.log.Printf("mirror uploaded=%d skipped=%d failed=%d dropped=%d",
			st.UploadSuccessTotal, st.UploadSkipTotal, st.UploadFailTotal, st.DroppedTotal)
	}
	return nil
}

func (a *app) queryCmd() *cobra.Command {
	var (
		dbPath string
		f      indexdb.Filter
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List catalogued replays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = a.cfg.Index.SQLitePath
			}
			switch s := indexdb.Status(status); s {
			case "", indexdb.StatusOK, indexdb.StatusChecksum, indexdb.StatusCorrupt:
				f.Status = s
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("open index: %w", err)
			}
			db, err := indexdb.OpenSQLite(dbPath)
			if err != nil {
				return fmt.Errorf("open index: %w", err)
			}
			defer db.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			recs, err := db.Query(ctx, f)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				if recs == nil {
					recs = []indexdb.ReplayRecord{}
				}
				return enc.Encode(recs)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tSTATUS\tTOPOLOGY\tSIZE\tPLAYERS\tFRAMES\tTICKS")
			for _, r := range recs {
				players := fmt.Sprint(r.Players)
				if len(r.PlayerNames) > 0 {
					players = strings.Join(r.PlayerNames, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%d\n", r.Path, r.Status, r.Topology, r.MapSize, players, r.Frames, r.Ticks)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite catalogue (default index.sqlite_path)")
	cmd.Flags().StringVar(&status, "status", "", "ok, checksum or corrupt")
	cmd.Flags().StringVar(&f.Topology, "topology", "", "hex or square")
	cmd.Flags().StringVar(&f.Player, "player", "", "player name substring")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
