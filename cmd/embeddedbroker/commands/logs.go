package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marmos91/embeddedbroker/pkg/config"
)

// textTimeLayout matches the timestamp prefix of the text log handler.
const textTimeLayout = "2006-01-02 15:04:05.000"

type logsOptions struct {
	file   string
	follow bool
	lines  int
	since  string
}

func newLogsCmd() *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show or follow the broker log file",
		Long: `Display and optionally follow the log file written by "embeddedbroker start".

The file is taken from logging.output in the configuration unless --file is
given. Brokers logging to stdout or stderr have no file to read.`,
		Example: `  # Show the last 100 lines
  embeddedbroker logs --config broker.yaml

  # Follow new entries
  embeddedbroker logs -f -n 20

  # Entries since a point in time
  embeddedbroker logs --since 2026-01-15T10:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.file, "file", "", "log file to read (default: logging.output from the config)")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "follow log output")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 100, "number of lines to show")
	cmd.Flags().StringVar(&opts.since, "since", "", "show entries since timestamp (RFC3339)")
	return cmd
}

func runLogs(cmd *cobra.Command, opts logsOptions) error {
	logFile := opts.file
	if logFile == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logFile = cfg.Logging.Output
	}

	switch strings.ToLower(logFile) {
	case "stdout", "stderr":
		return fmt.Errorf("broker is configured to log to %s, not a file\nset logging.output to a file path to use this command", logFile)
	}
	if _, err := os.Stat(logFile); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("log file not found: %s", logFile)
	}

	var since time.Time
	if opts.since != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, opts.since); err != nil {
			return fmt.Errorf("invalid --since format (use RFC3339): %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if !opts.follow {
		return showLogs(out, logFile, opts.lines, since)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followLogs(ctx, out, cmd.ErrOrStderr(), logFile, opts.lines, since)
}

// showLogs writes the last n lines of logFile newer than since.
func showLogs(w io.Writer, logFile string, n int, since time.Time) error {
	file, err := os.Open(logFile)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !since.IsZero() {
			if ts := extractTimestamp(line); !ts.IsZero() && ts.Before(since) {
				continue
			}
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if n >= 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// followLogs prints the tail of logFile, then every line appended to it
// until ctx is done.
func followLogs(ctx context.Context, w, status io.Writer, logFile string, n int, since time.Time) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(logFile); err != nil {
		return fmt.Errorf("failed to watch log file: %w", err)
	}

	file, err := os.Open(logFile)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if err := showLogs(w, logFile, n, since); err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end of log file: %w", err)
	}

	reader := bufio.NewReader(file)
	var partial string

	_, _ = fmt.Fprintf(status, "Following %s (Ctrl+C to stop)...\n", logFile)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_, _ = fmt.Fprintf(status, "%s was removed, stopping\n", logFile)
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			for {
				chunk, err := reader.ReadString('\n')
				if err != nil {
					// Keep an unterminated line until the writer finishes it.
					partial += chunk
					break
				}
				if _, err := io.WriteString(w, partial+chunk); err != nil {
					return err
				}
				partial = ""
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

// extractTimestamp returns the time of a log line written by either the
// text handler ("[2026-01-15 10:30:45.123] ...") or the JSON handler
// ({"time":"..."}), or the zero time.
func extractTimestamp(line string) time.Time {
	if strings.HasPrefix(line, "[") && len(line) > len(textTimeLayout)+1 {
		if t, err := time.ParseInLocation(textTimeLayout, line[1:len(textTimeLayout)+1], time.Local); err == nil {
			return t
		}
	}

	const timeKey = `"time":"`
	if idx := strings.Index(line, timeKey); idx >= 0 {
		rest := line[idx+len(timeKey):]
		if end := strings.IndexByte(rest, '"'); end > 0 {
			if t, err := time.Parse(time.RFC3339Nano, rest[:end]); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
