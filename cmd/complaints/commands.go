package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/agent"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/config"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/sentiment"
)

var errNoInput = errors.New("no input: pass a file or pipe JSON on stdin")

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Run the sentiment agent over complaint windows",
	Long: `Run the sentiment agent over one or more complaint windows read from a file,
or stdin when the file is omitted or "-". The input is either a JSON array of
windows, analysed as a batch, or a stream of JSON windows analysed as they
arrive. Each result is printed as one JSON line.

Example window:
  {"country":"Belgium","windowStart":1700000000000,"windowEnd":1700000060000,
   "complaints":["wifi down","billing error"]}`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if skip, _ := cmd.Flags().GetBool("skip-ready-check"); !skip {
			if err := a.ensureReady(ctx, true, os.Stderr); err != nil {
				return err
			}
		}
		rt, err := a.SentimentRuntime(ctx)
		if err != nil {
			return err
		}

		var (
			mu     sync.Mutex
			failed int
		)
		enc := json.NewEncoder(cmd.OutOrStdout())
		report := func(res agent.Result) {
			mu.Lock()
			defer mu.Unlock()
			if res.Err != nil {
				failed++
			}
			enc.Encode(toAnalyzeLine(res))
		}

		if data[0] == '[' {
			var payloads []json.RawMessage
			if err := json.Unmarshal(data, &payloads); err != nil {
				return fmt.Errorf("decoding input array: %w", err)
			}
			for _, res := range rt.InvokeAll(ctx, payloads) {
				report(res)
			}
		} else if err := runStream(ctx, rt, data, report); err != nil {
			return err
		}

		if failed > 0 {
			return fmt.Errorf("%d of the analyses failed", failed)
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Bool("skip-ready-check", false, "do not check Ollama before starting")
}

// readInput returns the trimmed input, which is never empty.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errNoInput
	}
	return data, nil
}

// runStream feeds each JSON value in data to the runtime as it is decoded.
func runStream(ctx context.Context, rt *sentiment.Runtime, data []byte, onResult func(agent.Result)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan json.RawMessage)
	decodeErr := make(chan error, 1)
	go func() {
		defer close(in)
		dec := json.NewDecoder(bytes.NewReader(data))
		for {
			var p json.RawMessage
			if err := dec.Decode(&p); err == io.EOF {
				decodeErr <- nil
				return
			} else if err != nil {
				decodeErr <- fmt.Errorf("decoding input: %w", err)
				return
			}
			select {
			case in <- p:
			case <-ctx.Done():
				decodeErr <- nil
				return
			}
		}
	}()

	if err := rt.Run(ctx, in, onResult); err != nil {
		return err
	}
	return <-decodeErr
}

type analyzeLine struct {
	ContextID string            `json:"contextId"`
	State     agent.State       `json:"state"`
	Result    *sentiment.Result `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func toAnalyzeLine(res agent.Result) analyzeLine {
	line := analyzeLine{ContextID: res.Outcome.ContextID.String(), State: res.Outcome.State}
	if res.Err != nil {
		line.Error = res.Err.Error()
		return line
	}
	if r, ok := res.Outcome.Output.(sentiment.Result); ok {
		line.Result = &r
	}
	return line
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over stored complaints",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		asm, err := a.Assembler(cmd.Context())
		if err != nil {
			return err
		}
		hits, err := asm.Search(cmd.Context(), query, limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(hits) == 0 {
			fmt.Fprintln(out, "No results found.")
			return nil
		}
		for i, h := range hits {
			fmt.Fprintf(out, "\n%s [complaint %d, distance: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), h.EntityID, h.Distance)
			if h.Content != "" {
				fmt.Fprintf(out, "  %s\n", truncate(h.Content, 500))
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the most relevant complaints",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		asm, err := a.Assembler(cmd.Context())
		if err != nil {
			return err
		}
		ans, err := asm.Ask(cmd.Context(), question, limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, ans.Text)
		if len(ans.Hits) > 0 {
			ids := make([]string, len(ans.Hits))
			for i, h := range ans.Hits {
				ids[i] = fmt.Sprintf("%d", h.EntityID)
			}
			fmt.Fprintf(out, "\n%s %s\n", colorize(colorCyan, "Based on complaints:"), strings.Join(ids, ", "))
		}
		return nil
	},
}

func init() {
	askCmd.Flags().Int("limit", 5, "number of complaints to retrieve")
}

// --- deadletters ---

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List dead-lettered change records",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		q, err := a.DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		letters, err := q.List(cmd.Context(), limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(letters)
		}
		if len(letters) == 0 {
			fmt.Fprintln(out, "No dead letters.")
			return nil
		}
		for _, l := range letters {
			fmt.Fprintf(out, "%s  %s  %-6s complaint=%d offset=%d attempts=%d  %s\n",
				colorize(colorCyan, l.ID[:8]),
				l.CreatedAt.Format(time.RFC3339),
				l.Operation,
				l.EntityID,
				l.SourceOffset,
				l.Attempts,
				truncate(l.Reason, 120),
			)
		}
		return nil
	},
}

func init() {
	deadLettersCmd.Flags().Int("limit", 20, "maximum number of dead letters to list")
	deadLettersCmd.Flags().Bool("json", false, "print as JSON")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		a, err := newApp()
		if err != nil {
			// Still show partial status even if config fails.
			printError("config error: %v", err)
			return nil
		}
		defer a.Close()
		ctx := cmd.Context()

		client := &http.Client{Timeout: 2 * time.Second}
		if resp, err := client.Get("http://" + a.cfg.Server.Addr + "/health"); err != nil {
			printStatus(out, "Server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				printStatus(out, "Server", "running on %s", a.cfg.Server.Addr)
			} else {
				printStatus(out, "Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		if a.ollama.IsRunning(ctx) {
			printStatus(out, "Ollama", "running at %s", a.cfg.Ollama.URL)
			models, err := a.ollamaModels(true)
			if err != nil {
				return err
			}
			for _, m := range models {
				state := "missing"
				if a.ollama.HasModel(ctx, m) {
					state = "ready"
				}
				printStatus(out, "Model "+m, "%s", state)
			}
		} else {
			printStatus(out, "Ollama", "not running")
		}

		printStatus(out, "Source", "%s", describeSource(a.cfg))
		printStatus(out, "Embeddings", "%s", a.cfg.Embedding.Provider)

		if vectors, err := a.VectorStore(ctx); err != nil {
			printStatus(out, "Vectors", "unavailable (%v)", err)
		} else if n, err := vectors.Count(ctx); err == nil {
			printStatus(out, "Vectors", "%d (%s)", n, a.cfg.Storage.VectorBackend)
		}

		if q, err := a.DeadLetters(ctx); err != nil {
			printStatus(out, "Dead letters", "unavailable (%v)", err)
		} else if letters, err := q.List(ctx, 100); err == nil {
			printStatus(out, "Dead letters", "%s", countLabel(len(letters), 100))
		}

		printStatus(out, "Data dir", "%s", a.cfg.Storage.DataDir)
		return nil
	},
}

func describeSource(cfg config.Config) string {
	if cfg.Source.Kind == "jetstream" {
		return fmt.Sprintf("jetstream %s/%s (durable %s)", cfg.Source.NatsURL, cfg.Source.Stream, cfg.Source.Durable)
	}
	if cfg.Source.Follow {
		return fmt.Sprintf("file %s (follow)", cfg.Source.Path)
	}
	return fmt.Sprintf("file %s", cfg.Source.Path)
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "($"+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := setConfigKey(key, value); err != nil {
			if strings.HasPrefix(err.Error(), "unknown config key") {
				printWarning("valid keys: %s", strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

// setConfigKey is replaced in tests.
var setConfigKey = config.SetKey

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
