package main

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	stdsync "sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/spf13/cobra"

	"github.com/go-git/go-packidx/plumbing/format/idxfile"
	"github.com/go-git/go-packidx/plumbing/format/packfile"
	"github.com/go-git/go-packidx/utils/ioutil"
	"github.com/go-git/go-packidx/utils/trace"
)

func newIndexCommand() *cobra.Command {
	var (
		threads   int
		lowMemory bool
		output    string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "index <pack-file>",
		Short: "Build a version 2 index for a packfile",
		Long: `Build a version 2 index (.idx) for the given packfile. The index is
written next to the packfile unless --output names another location
relative to the packfile's directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				trace.SetTarget(trace.General | trace.Performance)
			}

			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			fs := osfs.New(filepath.Dir(abs))
			packName := filepath.Base(abs)

			outName := output
			if outName == "" {
				outName = strings.TrimSuffix(packName, ".pack") + ".idx"
			}

			return runIndex(fs, packName, outName, threads, lowMemory, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&threads, "threads", 0, "Upper bound on resolver goroutines (0 = number of CPUs)")
	cmd.Flags().BoolVar(&lowMemory, "low-memory", false, "Re-inflate entries from the pack instead of keeping them in memory")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Index destination, relative to the packfile's directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable tracing to stderr")

	return cmd
}

func runIndex(fs billy.Filesystem, packName, outName string, threads int, lowMemory bool, stdout io.Writer) (err error) {
	pack, err := fs.Open(packName)
	if err != nil {
		return err
	}
	defer ioutil.CheckClose(pack, &err)

	scanner := packfile.NewScanner(pack)

	mode := idxfile.InMemoryMode()
	if lowMemory {
		// Resolver workers share the pack handle, so restores are
		// serialized around the seek.
		var mu stdsync.Mutex
		mode = idxfile.OnDemandMode(func(ctx idxfile.ResolveContext, buf *bytes.Buffer) bool {
			mu.Lock()
			defer mu.Unlock()

			return packfile.InflateAt(pack, ctx.Offset, buf) == nil
		})
	}

	tmp, err := util.TempFile(fs, "", outName)
	if err != nil {
		return err
	}

	outcome, err := idxfile.Write(idxfile.VersionSupported, mode, scanner, tmp,
		idxfile.WithThreadLimit(threads))

	cerr := tmp.Close()
	if err != nil {
		fs.Remove(tmp.Name()) // nolint: errcheck
		return err
	}
	if cerr != nil {
		return cerr
	}

	if err := fs.Rename(tmp.Name(), outName); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "pack\t%s\nidx\t%s\nobjects\t%d\n",
		outcome.PackHash, outcome.IndexHash, outcome.NumObjects)

	return nil
}
