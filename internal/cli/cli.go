// ============================================================================
// voicequeue CLI
// ============================================================================
//
// Command Structure:
//   voicequeue                     # Root command
//   ├── run                        # Start gateway, queue and listeners
//   ├── submit <command>           # Send a voice command to a running gateway
//   │   └── --wait                 # Poll until the job is terminal
//   ├── status <jobId>             # Show a queued job
//   ├── history cleanup --days N   # Delete history older than N days
//   ├── languages                  # List the supported languages
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --verbose                  # Debug logging
//
// run 收到 SIGINT / SIGTERM 後依序關閉：先停止接收 HTTP，佇列收尾，
// 最後關閉歷史資料庫。
//
// submit / status 走 HTTP，不直接碰佇列，因為佇列只存在於 run 的行程裡。
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/voicequeue/internal/app"
	"github.com/ChuLiYu/voicequeue/internal/config"
	"github.com/ChuLiYu/voicequeue/internal/gateway"
	"github.com/ChuLiYu/voicequeue/internal/history"
	"github.com/ChuLiYu/voicequeue/internal/logging"
	"github.com/ChuLiYu/voicequeue/internal/processor"
	"github.com/ChuLiYu/voicequeue/pkg/types"
)

const defaultConfigPath = "configs/default.yaml"

type options struct {
	configFile string
	verbose    bool
}

func BuildCLI() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "voicequeue",
		Short: "voicequeue: a voice command processing service",
		Long: `voicequeue turns spoken commands into intents and answers with:
- an asynchronous job queue with retry and backoff
- a circuit-broken language model client
- multilingual keyword tables
- a SQLite command history and real-time WebSocket fan-out`,
		Version:       gateway.ServiceVersion,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand(opts))
	rootCmd.AddCommand(buildLanguagesCommand(opts))

	return rootCmd
}

// loadConfig treats a missing default config file as "use defaults"; an
// explicitly named file must exist.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := o.configFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the voicequeue gateway and job queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging, opts.verbose)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("starting voicequeue",
				zap.Int("port", cfg.Server.Port),
				zap.Int("grpc_port", cfg.GRPC.Port),
				zap.Int("workers", cfg.Queue.WorkerCount))
			return a.Run(ctx)
		},
	}
}

// ============================================================================
// HTTP client commands
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		addr     string
		userID   string
		language string
		wait     bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <command>",
		Short: "Queue a voice command on a running gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(addr)
			ctx := cmd.Context()
			resp, err := c.submit(ctx, gateway.SubmitRequest{
				Command:  strings.Join(args, " "),
				UserID:   userID,
				Language: language,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", resp.JobID, resp.Status)
			if !wait {
				return nil
			}

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st, err := c.waitFor(waitCtx, resp.JobID, 250*time.Millisecond)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:3000", "gateway base URL")
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to anonymous)")
	cmd.Flags().StringVar(&language, "language", "", "language code, empty to detect")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long --wait polls")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show the status of a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(addr).status(cmd.Context(), types.JobID(args[0]))
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:3000", "gateway base URL")
	return cmd
}

func printStatus(w io.Writer, st *gateway.StatusResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%s\n", st.JobID)
	fmt.Fprintf(tw, "Status:\t%s\n", st.Status)
	fmt.Fprintf(tw, "Attempts:\t%d\n", st.Attempts)
	fmt.Fprintf(tw, "Command:\t%s\n", st.Command)
	if st.Result != nil {
		fmt.Fprintf(tw, "Intent:\t%s (%.2f)\n", st.Result.Intent, st.Result.Confidence)
		fmt.Fprintf(tw, "Language:\t%s\n", st.Result.Language)
		fmt.Fprintf(tw, "Response:\t%s\n", st.Result.Response)
	}
	if st.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", st.Error)
	}
	return tw.Flush()
}

type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	return &client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) submit(ctx context.Context, req gateway.SubmitRequest) (*gateway.SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out gateway.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/voice/process", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) status(ctx context.Context, id types.JobID) (*gateway.StatusResponse, error) {
	var out gateway.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/voice/status/"+url.PathEscape(string(id)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// waitFor polls until the job is completed or failed.
func (c *client) waitFor(ctx context.Context, id types.JobID, every time.Duration) (*gateway.StatusResponse, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := c.status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s still %s: %w", id, st.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&env) == nil && env.Error.Message != "" {
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, env.Error.Message)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ============================================================================
// Local commands
// ============================================================================

func buildHistoryCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Maintain the command history store",
	}

	var days int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete history records older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.History.RetentionDays
			}
			store, err := history.Open(cfg.History.Path, nil, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.CleanupOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records older than %d days\n", n, days)
			return nil
		},
	}
	cleanup.Flags().IntVar(&days, "days", history.DefaultRetentionDays, "retention in days")
	cmd.AddCommand(cleanup)
	return cmd
}

func buildLanguagesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List the supported languages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			tables, err := processor.LoadTables(cfg.Processor.LanguagesFile)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tNAME\tNATIVE")
			for _, l := range tables.Languages() {
				marker := ""
				if l.Code == tables.Default() {
					marker = " (default)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s%s\n", l.Code, l.Name, l.NativeName, marker)
			}
			return tw.Flush()
		},
	}
}
