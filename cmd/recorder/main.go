package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/connector/destinations/csv"
	"github.com/g1879/datarecorder/pkg/connector/registry"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/observability"
	"github.com/g1879/datarecorder/pkg/pathutil"
	"github.com/g1879/datarecorder/pkg/recorder"
)

var version = "0.1.0"

// maxLineSize bounds one input row for the record command
const maxLineSize = 16 * 1024 * 1024

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "recorder",
		Short: "Buffered recording of rows into xlsx, csv, txt, json and sqlite files",
		Long: `recorder appends rows to a file, buffering them in memory and writing them
in batches. A destination held open by another program is retried until it is
released.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newVersionCmd(),
		newFormatsCmd(),
		newRecordCmd(),
		newHeadCmd(),
		newAlignCmd(),
		newUsablePathCmd(),
		newReplayCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "recorder v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List supported file formats",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, format := range registry.List() {
				info, err := registry.Info(format)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %-5s %-28s %s\n", format, strings.Join(info.Extensions, " "), info.Description)
			}
			return nil
		},
	}
}

func newRecordCmd() *cobra.Command {
	var configFile, input string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record JSON rows from stdin or a file",
		Long: `Read one JSON value per line and record it. Objects become mapping rows
(columns by name), arrays become sequence rows and scalars a single column.

Settings come from --config, then RECORDER_* environment variables (for
example RECORDER_DESTINATION_PATH), then flags.

Example:
  tail -f events.jsonl | recorder record --path out/events.csv --cache-size 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Destination.Path == "" {
				return errors.New("no destination: set --path, destination.path or RECORDER_DESTINATION_PATH")
			}
			if err := logger.Init(cfg.LoggerConfig()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Observability.EnableTracing {
				if err := observability.Init(ctx, cfg.TracingConfig("recorder", version)); err != nil {
					return err
				}
				defer observability.Shutdown(context.Background())
			}

			in := cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input) //nolint:gosec // G304: input path comes from the operator
				if err != nil {
					return fmt.Errorf("failed to open input %s: %w", input, err)
				}
				defer f.Close()
				in = f
			}

			rec, err := recorder.FromConfig(cfg)
			if err != nil {
				return err
			}
			return runRecord(ctx, rec, in, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a YAML, JSON or TOML configuration file")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "File with one JSON value per line, - for stdin")
	cmd.Flags().StringP("path", "p", "", "Destination file")
	cmd.Flags().StringP("format", "f", "", "Destination format when the extension does not tell (xlsx, csv, txt, json, db)")
	cmd.Flags().StringP("table", "t", "", "Table for db destinations")
	cmd.Flags().String("sheet", "", "Worksheet for xlsx destinations")
	cmd.Flags().Int("cache-size", recorder.DefaultCacheSize, "Rows buffered before a write, 0 writes only at the end")
	cmd.Flags().String("encoding", "", "Text encoding for csv, txt and json (utf-8, utf-8-sig, gbk, ...)")
	cmd.Flags().String("delimiter", "", "CSV field delimiter")
	cmd.Flags().Duration("timeout", 0, "Give up on a locked destination after this long, 0 waits forever")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

// runRecord feeds every line of in to rec and closes it. Closing uses ctx,
// so an interrupt while the destination is locked sends the remaining rows
// to the fallback file instead of waiting.
func runRecord(ctx context.Context, rec *recorder.Recorder, in io.Reader, errOut io.Writer) error {
	log := logger.Get().With(zap.String("component", "recorder-cli"), zap.String("destination", rec.Path()))

	rows, err := ingest(ctx, rec, in)
	closeErr := rec.Close(ctx)
	if err == nil {
		err = closeErr
	} else if closeErr != nil {
		log.Error("close failed", zap.Error(closeErr))
	}
	if err != nil {
		return err
	}

	stats := rec.ErrorStats()
	log.Info("recording finished",
		zap.Int("rows", rows),
		zap.Int64("lock_errors", stats.Lock),
		zap.Int64("teardown_errors", stats.Teardown),
		zap.Int64("fatal_errors", stats.Fatal))
	fmt.Fprintf(errOut, "\n%d rows recorded to %s\n", rows, rec.Path())
	return nil
}

func ingest(ctx context.Context, rec *recorder.Recorder, in io.Reader) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	rows := 0
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		value, err := models.ParseValue([]byte(text))
		if err != nil {
			return rows, fmt.Errorf("line %d: %w", line, err)
		}
		if err := rec.Add(ctx, value); err != nil {
			return rows, err
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return rows, fmt.Errorf("failed to read input: %w", err)
	}
	return rows, nil
}

func newHeadCmd() *cobra.Command {
	var encoding string

	cmd := &cobra.Command{
		Use:   "head <path> <column>...",
		Short: "Set the header row of a csv or xlsx file",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := recorder.New(args[0], recorder.WithEncoding(encoding), recorder.WithoutFallback())
			if err != nil {
				return err
			}
			defer rec.Close(cmd.Context())
			return rec.SetHead(cmd.Context(), args[1:])
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "", "Text encoding of a csv file")
	return cmd
}

func newAlignCmd() *cobra.Command {
	var encoding, delimiter string

	cmd := &cobra.Command{
		Use:   "align <path>",
		Short: "Pad every csv record to the width of the widest one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := core.TextOptions{Encoding: encoding}
			if delimiter != "" {
				r, size := utf8.DecodeRuneInString(delimiter)
				if size != len(delimiter) {
					return fmt.Errorf("delimiter must be a single character, got %q", delimiter)
				}
				opts.Delimiter = r
			}
			return csv.Align(args[0], opts)
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "", "Text encoding of the file")
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "Field delimiter")
	return cmd
}

func newUsablePathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usable-path <path>",
		Short: "Print a valid path that does not collide with an existing file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), pathutil.UsablePath(args[0]))
		},
	}
}

func newReplayCmd() *cobra.Command {
	var path, format, table string

	cmd := &cobra.Command{
		Use:   "replay <fallback-file>",
		Short: "Record the rows of a fallback file left by an interrupted run",
		Long: `Rows that could not be written while a recorder was closing are kept in
<destination>.unflushed-<time>.jsonl, optionally compressed. replay records
them into --path. Table names stored with db rows are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []recorder.Option{recorder.WithTable(table)}
			if format != "" {
				f, err := core.ParseFormat(format)
				if err != nil {
					return err
				}
				opts = append(opts, recorder.WithFormat(f))
			}
			rec, err := recorder.New(path, opts...)
			if err != nil {
				return err
			}

			rows, err := rec.Replay(cmd.Context(), args[0])
			closeErr := rec.Close(cmd.Context())
			if err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d rows replayed to %s\n", rows, rec.Path())
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "", "Destination file")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Destination format when the extension does not tell")
	cmd.Flags().StringVarP(&table, "table", "t", "", "Table for rows spilled without one")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}
