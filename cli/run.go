package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbridge/bridge"
	"github.com/petal-labs/petalbridge/bus"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Send one prompt to the model and drive its tool calls to completion",
		Long: "Start the configured tool servers, send the prompt to the model and print its final answer.\n" +
			"The prompt is read from stdin when omitted or given as \"-\".",
		RunE: runRun,
	}

	cmd.Flags().String("system", "", "Override the configured system instructions")
	cmd.Flags().String("session-id", "", "Session id (default: generated)")
	cmd.Flags().String("model", "", "Override the configured model name")
	cmd.Flags().Duration("timeout", 10*time.Minute, "Session timeout (0 disables)")
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("events", false, "Print session events to stderr as they happen")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitInput, "unknown format %q (use text or json)", format)
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{sessions: true})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	req := bridge.SessionRequest{Prompt: prompt}
	req.System, _ = cmd.Flags().GetString("system")
	req.ID, _ = cmd.Flags().GetString("session-id")
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if showEvents, _ := cmd.Flags().GetBool("events"); showEvents {
		sub := a.bus.Subscribe(req.ID)
		done := make(chan struct{})
		go func() {
			defer close(done)
			printEvents(cmd.ErrOrStderr(), sub)
		}()
		defer func() {
			_ = sub.Close()
			<-done
		}()
	}

	sessionCtx, cancel := sessionContext(ctx, cmd)
	defer cancel()
	res, err := a.orchestrator.RunSession(sessionCtx, req)
	if err != nil {
		return sessionExitError(err)
	}

	if format == "json" {
		return writeJSONOut(cmd, res)
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Text)
	return nil
}

// readPrompt joins the positional args, or reads stdin for "-" or none.
func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	var prompt string
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", exitError(exitInput, "reading prompt from stdin: %v", err)
		}
		prompt = string(data)
	} else {
		prompt = strings.Join(args, " ")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", exitError(exitInput, "prompt is empty")
	}
	return prompt, nil
}

func sessionContext(ctx context.Context, cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// printEvents writes one line per event until the session ends or the
// subscription is closed.
func printEvents(w io.Writer, sub bus.Subscription) {
	for e := range sub.Events() {
		fmt.Fprintln(w, formatEvent(e))
		if e.Kind.Terminal() {
			return
		}
	}
}

func formatEvent(e bus.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] %s", e.Seq, e.Kind)
	if e.Iteration > 0 {
		fmt.Fprintf(&sb, " iteration=%d", e.Iteration)
	}
	if e.Tool != "" {
		fmt.Fprintf(&sb, " tool=%s call=%s", e.Tool, e.CallID)
	}
	if e.Elapsed > 0 {
		fmt.Fprintf(&sb, " elapsed=%s", e.Elapsed.Round(time.Millisecond))
	}
	if len(e.Payload) > 0 {
		if data, err := json.Marshal(e.Payload); err == nil {
			sb.WriteString(" ")
			sb.Write(data)
		}
	}
	return sb.String()
}

func writeJSONOut(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError(exitRuntime, "writing output: %v", err)
	}
	return nil
}
