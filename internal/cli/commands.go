package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sem/internal/campaign"
	"sem/internal/config"
	"sem/internal/core"
	"sem/internal/database"
	"sem/internal/export"
	"sem/internal/results"
)

func (a *app) newCmd() *cobra.Command {
	var f campaignFlags
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a campaign for an ns-3 script",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options(&f)
			if err != nil {
				return err
			}
			m, err := a.createCampaign(cmd.Context(), &f, opts)
			if err != nil {
				return err
			}
			defer m.Close()
			fmt.Fprintln(a.stdout, m)
			return nil
		},
	}
	f.register(cmd, true)
	return cmd
}

// spaceFlags select a parameter space from a YAML file and name=value flags.
type spaceFlags struct {
	file   string
	params []string
	runs   int
}

func (s *spaceFlags) register(cmd *cobra.Command, withRuns bool) {
	cmd.Flags().StringVarP(&s.file, "params", "p", "", "YAML file mapping parameter names to a value or a list of values")
	cmd.Flags().StringArrayVar(&s.params, "param", nil, "Parameter value as name=value; repeat a name for several values")
	s.runs = 1
	if withRuns {
		cmd.Flags().IntVarP(&s.runs, "runs", "r", 1, "Runs wanted per combination")
	}
}

func (s *spaceFlags) space() (core.Space, error) {
	if s.runs < 1 {
		return nil, invalidInvocationf("--runs must be at least 1 (got %d)", s.runs)
	}
	var base core.Space
	if s.file != "" {
		var err error
		if base, err = config.LoadSpace(s.file); err != nil {
			return nil, configErrorf("%v", err)
		}
	}
	top, err := parseParams(s.params)
	if err != nil {
		return nil, err
	}
	return mergeSpaces(base, top), nil
}

func (a *app) runCmd() *cobra.Command {
	var (
		f campaignFlags
		s spaceFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulations a parameter space is missing",
		Long: `Run every combination of the parameter space until it has --runs results.

The campaign in the results directory is created first when it does not exist
yet, which requires --ns-3-path and --script. Parameters the space leaves out
keep the script's default value.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			space, err := s.space()
			if err != nil {
				return err
			}
			m, err := a.openCampaign(cmd.Context(), &f, true)
			if err != nil {
				return err
			}
			defer m.Close()

			runErr := m.RunMissingSimulations(cmd.Context(), space, s.runs)
			n, err := m.DB().Count(context.WithoutCancel(cmd.Context()))
			if err == nil {
				fmt.Fprintf(a.stdout, "%d results stored in %s\n", n, m.DB().Dir())
			}
			return runErr
		},
	}
	f.register(cmd, false)
	s.register(cmd, true)
	return cmd
}

func (a *app) missingCmd() *cobra.Command {
	var s spaceFlags
	cmd := &cobra.Command{
		Use:   "missing",
		Short: "List the simulations a parameter space is missing",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			space, err := s.space()
			if err != nil {
				return err
			}
			m, err := campaign.Load(cmd.Context(), a.resultsDir, campaign.WithLogger(a.log), campaign.WithSkipBuild())
			if err != nil {
				return err
			}
			defer m.Close()

			missing, err := m.MissingSimulations(cmd.Context(), space.Combinations(), s.runs)
			if err != nil {
				return err
			}
			for _, p := range missing {
				fmt.Fprintln(a.stdout, p)
			}
			fmt.Fprintf(a.stdout, "%d simulations missing\n", len(missing))
			return nil
		},
	}
	s.register(cmd, true)
	return cmd
}

// queryFlags filter stored results.
type queryFlags struct {
	params []string
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&q.params, "param", nil, "Only results with name=value; repeat a name to accept several values")
}

func (q *queryFlags) query() (core.Query, error) {
	space, err := parseParams(q.params)
	if err != nil {
		return nil, err
	}
	return space.Query(), nil
}

func (a *app) loadDB(ctx context.Context) (*database.DB, error) {
	return database.Load(ctx, a.resultsDir, database.WithLogger(a.log))
}

func (a *app) viewCmd() *cobra.Command {
	var (
		q          queryFlags
		showOutput bool
		showFiles  bool
	)
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the campaign and its results",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query()
			if err != nil {
				return err
			}
			db, err := a.loadDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			fmt.Fprintln(a.stdout, db)
			found, err := db.Results(cmd.Context(), query)
			if err != nil {
				return err
			}
			for _, r := range found {
				rng, _ := r.Params.RngRun()
				fmt.Fprintf(a.stdout, "\n%s RngRun=%d exitcode=%d elapsed=%s\n",
					r.ID, rng, r.Meta.ExitCode, r.Meta.Elapsed.Round(time.Millisecond))
				fmt.Fprintf(a.stdout, "  %s\n", r.Params.Without(core.RngRunKey))
				if showFiles {
					files, err := db.OutputFiles(r)
					if err != nil {
						return err
					}
					fmt.Fprintf(a.stdout, "  files: %s\n", strings.Join(files, " "))
				}
				if showOutput {
					if err := db.LoadOutput(&r); err != nil {
						return err
					}
					fmt.Fprint(a.stdout, indent(r.Stdout))
				}
			}
			return nil
		},
	}
	q.register(cmd)
	cmd.Flags().BoolVar(&showOutput, "output", false, "Print each result's stdout")
	cmd.Flags().BoolVar(&showFiles, "files", false, "List the files each run produced")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var (
		q      queryFlags
		format string
		output string
		regex  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export results to a Parquet or JSON file",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return invalidInvocationf("--output is required")
			}
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(output), ".")
			}
			if format != "parquet" && format != "json" {
				return invalidInvocationf("invalid --format %q (expected parquet or json)", format)
			}
			var parse results.Parser
			if regex != "" {
				p, err := results.RegexParser(regex)
				if err != nil {
					return invalidInvocationf("%v", err)
				}
				parse = p
			}
			query, err := q.query()
			if err != nil {
				return err
			}

			db, err := a.loadDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			var found []core.Result
			if parse != nil {
				found, err = db.CompleteResults(cmd.Context(), query)
			} else {
				found, err = db.Results(cmd.Context(), query)
			}
			if err != nil {
				return err
			}
			rows, err := export.Rows(found, parse)
			if err != nil {
				return err
			}

			var data bytes.Buffer
			switch format {
			case "parquet":
				err = export.WriteParquet(&data, rows, db.Config().Params.Names())
			default:
				err = export.WriteJSON(&data, rows)
			}
			if err != nil {
				return err
			}
			if err := core.WriteFileAtomic(output, data.Bytes(), 0o644); err != nil {
				return err
			}
			a.log.Info("exported results", zap.String("file", output), zap.Int("rows", len(rows)))
			fmt.Fprintf(a.stdout, "exported %d results to %s\n", len(rows), output)
			return nil
		},
	}
	q.register(cmd)
	cmd.Flags().StringVar(&format, "format", "", "parquet or json (default: from the --output extension)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write")
	cmd.Flags().StringVar(&regex, "regex", "", "Extract metrics from stdout with this regular expression")
	return cmd
}

// arrayJSON is the file form of a results array.
type arrayJSON struct {
	Dims   []string         `json:"dims"`
	Shape  []int            `json:"shape"`
	Coords map[string][]any `json:"coords"`
	Values any              `json:"values"`
}

func (a *app) resultsCmd() *cobra.Command {
	var (
		s       spaceFlags
		regex   string
		average bool
		squeeze bool
		output  string
	)
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Collect results over a parameter space into an N-dimensional array",
		Long: `Collect the stored results over a parameter space into an array.

The array has one dimension per parameter taking more than one value, then
runs (unless --average), then metrics when each run yields more than one.
Metrics are the numbers in each run's stdout, or the captures of --regex.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			space, err := s.space()
			if err != nil {
				return err
			}
			if err := space.Validate(); err != nil {
				return invalidInvocationf("%v", err)
			}
			var parse results.Parser = results.ParseFloats
			if regex != "" {
				if parse, err = results.RegexParser(regex); err != nil {
					return invalidInvocationf("%v", err)
				}
			}
			var avg results.Averager
			if average {
				avg = results.MeanOverRuns
			}

			m, err := campaign.Load(cmd.Context(), a.resultsDir, campaign.WithLogger(a.log), campaign.WithSkipBuild())
			if err != nil {
				return err
			}
			defer m.Close()
			var arr *results.Array
			if squeeze {
				arr, err = m.ResultsAsArray(cmd.Context(), space, parse, avg)
			} else {
				arr, err = m.ResultsAsLabeledArray(cmd.Context(), space, parse, avg)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(a.stdout, arr)
			fmt.Fprintln(a.stdout, arr.Values())
			if output == "" {
				return nil
			}
			data, err := json.MarshalIndent(arrayJSON{
				Dims:   arr.Dims,
				Shape:  arr.Shape,
				Coords: arr.Coords,
				Values: arr.Values(),
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding array: %w", err)
			}
			if err := core.WriteFileAtomic(output, append(data, '\n'), 0o644); err != nil {
				return err
			}
			a.log.Info("wrote results array", zap.String("file", output), zap.Int("ndim", arr.Ndim()))
			return nil
		},
	}
	s.register(cmd, false)
	cmd.Flags().StringVar(&regex, "regex", "", "Extract metrics from stdout with this regular expression")
	cmd.Flags().BoolVar(&average, "average", false, "Average the metrics over runs")
	cmd.Flags().BoolVar(&squeeze, "squeeze", false, "Drop every dimension of length one, runs included")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Also write dims, coords and values as JSON to this file")
	return cmd
}

func (a *app) pushCmd() *cobra.Command {
	var (
		storage config.StorageConfig
		files   []string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload the campaign database and exports to S3-compatible storage",
		Long: `Upload the campaign database, plus any --file, to a bucket.

--endpoint accepts an S3 endpoint (http://host:9000, https://s3.example.com)
or file:///some/dir to copy into a local directory instead.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Storage
			override(&cfg.Endpoint, storage.Endpoint)
			override(&cfg.AccessKeyID, storage.AccessKeyID)
			override(&cfg.SecretAccessKey, storage.SecretAccessKey)
			override(&cfg.Region, storage.Region)
			override(&cfg.Bucket, storage.Bucket)
			override(&cfg.Prefix, storage.Prefix)
			if cfg.Prefix == "" {
				cfg.Prefix = filepath.Base(a.resultsDir)
			}
			if cfg.Endpoint == "" {
				return invalidInvocationf("--endpoint is required")
			}

			if !database.Exists(a.resultsDir) {
				return fmt.Errorf("%w in %s", database.ErrNoCampaign, a.resultsDir)
			}
			upload := append([]string{filepath.Join(a.resultsDir, database.FileName)}, files...)

			store, err := a.objectStore(cfg)
			if err != nil {
				return err
			}
			keys, err := export.Push(cmd.Context(), store, cfg.Bucket, cfg.Prefix, upload, a.log)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintf(a.stdout, "uploaded %s/%s\n", cfg.Bucket, k)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&storage.Endpoint, "endpoint", "", "Object store endpoint")
	fl.StringVar(&storage.AccessKeyID, "access-key", "", "Access key ID")
	fl.StringVar(&storage.SecretAccessKey, "secret-key", "", "Secret access key")
	fl.StringVar(&storage.Region, "region", "", "Bucket region")
	fl.StringVar(&storage.Bucket, "bucket", "", "Bucket to upload to (created when missing)")
	fl.StringVar(&storage.Prefix, "prefix", "", "Key prefix (default: the results directory name)")
	fl.StringArrayVar(&files, "file", nil, "Extra file to upload, e.g. an export")
	return cmd
}

func (a *app) objectStore(cfg config.StorageConfig) (export.ObjectStore, error) {
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Scheme == "file" {
		if u.Path == "" {
			return nil, invalidInvocationf("file endpoint needs a path: %s", cfg.Endpoint)
		}
		return export.LocalStore{Root: u.Path}, nil
	}
	store, err := export.NewMinioStore(cfg.MinioConfig)
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	return store, nil
}

func (a *app) wipeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every result of the campaign",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return invalidInvocationf("wipe deletes all results in %s; pass --force to confirm", a.resultsDir)
			}
			db, err := a.loadDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.WipeResults(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wiped results in %s\n", a.resultsDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Confirm deletion")
	return cmd
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return invalidInvocationf("unexpected positional arguments: %q", strings.Join(args, " "))
	}
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func indent(s string) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return "    " + strings.Join(lines, "\n    ") + "\n"
}
