package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/auditledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// errChainBroken makes verify exit with status 2.
var errChainBroken = errors.New("chain integrity check failed")

var (
	serverURL string
	cfgFile   string
	timeout   time.Duration
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		if errors.Is(err, errChainBroken) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Audit ledger CLI",
	Long: `ledgerctl is the command-line interface for an audit ledger server.

It appends entries, reads chains, and verifies their integrity.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.ledgerctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("LEDGERCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledger server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(chainsCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, client.WithTimeout(timeout))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parsePayload(raw string) (json.RawMessage, error) {
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	if raw == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		raw = string(b)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return json.RawMessage(raw), nil
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendPayload string
	appendActor   string
)

var appendCmd = &cobra.Command{
	Use:   "append <chain-id>",
	Short: "Append an entry to a chain",
	Long: `Append adds one entry to the end of a chain and prints it.

  ledgerctl append identity:u1 --payload '{"type":"LOGIN"}' --actor auth-service

Use --payload - to read the payload from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parsePayload(appendPayload)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		entry, err := c.Append(cmd.Context(), args[0], payload, appendActor)
		if err != nil {
			return fmt.Errorf("append to %q: %w", args[0], err)
		}
		return printJSON(cmd.OutOrStdout(), entry)
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "JSON object payload, or - for stdin")
	appendCmd.Flags().StringVar(&appendActor, "actor", "", "actor recorded with the entry")
}

// ── event ────────────────────────────────────────────────────────────────────

var (
	eventPayload string
	eventActor   string
)

var eventCmd = &cobra.Command{
	Use:   "event <chain-id> [chain-id] ...",
	Short: "Record one event on several chains",
	Long: `Event appends the same payload to every listed chain, tagged with a shared
correlation_id:

  ledgerctl event identity:u1 global --payload '{"type":"LOGIN"}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parsePayload(eventPayload)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.RecordEvent(cmd.Context(), args, payload, eventActor)
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		if len(res.Pending) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s queued for reconciliation\n", strings.Join(res.Pending, ", "))
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	eventCmd.Flags().StringVar(&eventPayload, "payload", "", "JSON object payload, or - for stdin")
	eventCmd.Flags().StringVar(&eventActor, "actor", "", "actor recorded with every entry")
}

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head <chain-id>",
	Short: "Show the head of a chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.Head(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("head of %q: %w", args[0], err)
		}
		out := cmd.OutOrStdout()
		if h.Empty {
			fmt.Fprintf(out, "Chain:     %s (empty)\n", args[0])
			return nil
		}
		fmt.Fprintf(out, "Chain:     %s\n", h.ChainID)
		fmt.Fprintf(out, "Last seq:  %d\n", h.LastSeq)
		fmt.Fprintf(out, "Last hash: %s\n", h.LastHash)
		fmt.Fprintf(out, "Updated:   %s\n", h.UpdatedAt.Format(time.RFC3339Nano))
		return nil
	},
}

// ── read ─────────────────────────────────────────────────────────────────────

var (
	readFrom   uint64
	readTo     int64
	readLimit  int
	readFormat string
)

var readCmd = &cobra.Command{
	Use:   "read <chain-id>",
	Short: "Print the entries of a chain",
	Long: `Read prints the entries of a chain in seq order. Without --limit it pages
through the whole range.

  ledgerctl read identity:u1 --from 10 --to 20 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r := client.Range{From: readFrom, To: toFlag(readTo)}

		var entries []client.Entry
		if readLimit > 0 {
			r.Limit = readLimit
			entries, err = c.Read(cmd.Context(), args[0], r)
		} else {
			entries, err = c.ReadAll(cmd.Context(), args[0], r)
		}
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Seq != nil {
				return fmt.Errorf("chain %q has a gap at seq %d: %w", args[0], *apiErr.Seq, errChainBroken)
			}
			return fmt.Errorf("read %q: %w", args[0], err)
		}

		out := cmd.OutOrStdout()
		if readFormat == "json" {
			return printJSON(out, entries)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tOCCURRED AT\tACTOR\tHASH\tPAYLOAD")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.Seq, e.OccurredAt.Format(time.RFC3339), e.Actor, shortHash(e.Hash), e.Payload)
		}
		return w.Flush()
	},
}

func init() {
	readCmd.Flags().Uint64Var(&readFrom, "from", 0, "first seq (inclusive)")
	readCmd.Flags().Int64Var(&readTo, "to", -1, "last seq (inclusive); -1 means the head")
	readCmd.Flags().IntVar(&readLimit, "limit", 0, "maximum entries; 0 reads the whole range")
	readCmd.Flags().StringVar(&readFormat, "format", "text", "Output format: text or json")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom   uint64
	verifyTo     int64
	verifyFormat string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <chain-id>",
	Short: "Verify the integrity of a chain",
	Long: `Verify recomputes every hash in the range and checks the links between
entries. It exits with status 2 if the chain is broken.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rep, err := c.Verify(cmd.Context(), args[0], client.Range{From: verifyFrom, To: toFlag(verifyTo)})
		if err != nil {
			return fmt.Errorf("verify %q: %w", args[0], err)
		}

		out := cmd.OutOrStdout()
		if verifyFormat == "json" {
			if err := printJSON(out, rep); err != nil {
				return err
			}
		} else if rep.Valid {
			fmt.Fprintf(out, "OK    %s: %d entries verified\n", rep.ChainID, rep.CheckedCount)
		} else {
			fmt.Fprintf(out, "FAIL  %s: %s at seq %d after %d valid entries\n",
				rep.ChainID, *rep.BreakKind, *rep.FirstBreakAt, rep.CheckedCount)
			if rep.Detail != "" {
				fmt.Fprintf(out, "      %s\n", rep.Detail)
			}
		}
		if !rep.Valid {
			return errChainBroken
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "first seq (inclusive)")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", -1, "last seq (inclusive); -1 means the head")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Output format: text or json")
}

// ── chains ───────────────────────────────────────────────────────────────────

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List all chains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		heads, err := c.Chains(cmd.Context())
		if err != nil {
			return fmt.Errorf("list chains: %w", err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHAIN\tLAST SEQ\tLAST HASH\tUPDATED")
		for _, h := range heads {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", h.ChainID, h.LastSeq, h.LastHash, h.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s\n", version)
	},
}

func toFlag(v int64) *uint64 {
	if v < 0 {
		return nil
	}
	u := uint64(v)
	return &u
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
