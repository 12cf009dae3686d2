// Package cli defines the candor command tree. Commands resolve to an Invocation that the
// app runner executes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rbright/candor/internal/version"
)

// Command names an app-level action.
type Command string

const (
	CommandRun      Command = "run"
	CommandSandbox  Command = "sandbox"
	CommandStatus   Command = "status"
	CommandBegin    Command = "begin"
	CommandCamera   Command = "camera"
	CommandAccept   Command = "accept"
	CommandAnswer   Command = "answer"
	CommandAppend   Command = "append"
	CommandNext     Command = "next"
	CommandComplete Command = "complete"
	CommandVoice    Command = "voice"
	CommandDevices  Command = "devices"
	CommandDoctor   Command = "doctor"
	CommandHistory  Command = "history"
)

// TokenEnv is read when --token is not given.
const TokenEnv = "CANDOR_TOKEN"

// Invocation is one parsed command line.
type Invocation struct {
	Command    Command
	ConfigPath string
	Token      string
	// Text is the answer payload for answer/append, or on/off for voice.
	Text  string
	Limit int
	// Synthetic swaps the microphone for a generated tone (sandbox only).
	Synthetic bool
}

// Runner executes an invocation and returns the process exit code.
type Runner func(ctx context.Context, inv Invocation) int

// ErrUsage marks argument errors that exit with status 2.
var ErrUsage = errors.New("usage error")

// Execute parses args and hands the result to run.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer, run Runner) int {
	code := 0
	root := NewRoot("candor", func(ctx context.Context, inv Invocation) int {
		code = run(ctx, inv)
		return code
	})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n\n", err)
		fmt.Fprint(stderr, root.UsageString())
		return 2
	}
	return code
}

// NewRoot builds the command tree. Each leaf calls run with its invocation.
func NewRoot(binaryName string, run Runner) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           binaryName,
		Short:         "Capture one candidate interview session",
		Version:       version.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: $XDG_CONFIG_HOME/candor/config.yaml)")

	leaf := func(cmd *cobra.Command, build func(args []string) (Invocation, error)) *cobra.Command {
		cmd.RunE = func(c *cobra.Command, args []string) error {
			inv, err := build(args)
			if err != nil {
				return err
			}
			inv.ConfigPath = configPath
			run(c.Context(), inv)
			return nil
		}
		root.AddCommand(cmd)
		return cmd
	}
	plain := func(command Command) func([]string) (Invocation, error) {
		return func([]string) (Invocation, error) { return Invocation{Command: command}, nil }
	}

	var token string
	runCmd := leaf(&cobra.Command{
		Use:   "run",
		Short: "Own a session: load it, serve the shell and control socket, and capture answers",
		Args:  cobra.NoArgs,
	}, func([]string) (Invocation, error) {
		resolved := strings.TrimSpace(token)
		if resolved == "" {
			resolved = strings.TrimSpace(os.Getenv(TokenEnv))
		}
		if resolved == "" {
			return Invocation{}, fmt.Errorf("%w: --token or %s is required", ErrUsage, TokenEnv)
		}
		return Invocation{Command: CommandRun, Token: resolved}, nil
	})
	runCmd.Flags().StringVar(&token, "token", "", "session token (default: $"+TokenEnv+")")

	synthetic := true
	sandboxCmd := leaf(&cobra.Command{
		Use:   "sandbox",
		Short: "Run a demo session against an in-process backend",
		Args:  cobra.NoArgs,
	}, func([]string) (Invocation, error) {
		return Invocation{Command: CommandSandbox, Synthetic: synthetic}, nil
	})
	sandboxCmd.Flags().BoolVar(&synthetic, "synthetic", true, "use a generated tone instead of the microphone")

	leaf(&cobra.Command{Use: "status", Short: "Print the running session snapshot", Args: cobra.NoArgs}, plain(CommandStatus))
	leaf(&cobra.Command{Use: "begin", Short: "Leave the welcome screen and start the camera test", Args: cobra.NoArgs}, plain(CommandBegin))
	leaf(&cobra.Command{Use: "camera", Short: "Retry camera and microphone setup", Args: cobra.NoArgs}, plain(CommandCamera))
	leaf(&cobra.Command{Use: "accept", Short: "Accept the recording consent", Args: cobra.NoArgs}, plain(CommandAccept))
	leaf(&cobra.Command{Use: "next", Short: "Save the current answer and open the next question", Args: cobra.NoArgs}, plain(CommandNext))
	leaf(&cobra.Command{Use: "complete", Short: "Save the last answer and submit the interview", Args: cobra.NoArgs}, plain(CommandComplete))
	leaf(&cobra.Command{Use: "devices", Short: "List capture devices", Args: cobra.NoArgs}, plain(CommandDevices))
	leaf(&cobra.Command{Use: "doctor", Short: "Run configuration and environment checks", Args: cobra.NoArgs}, plain(CommandDoctor))

	textCommand := func(command Command) func([]string) (Invocation, error) {
		return func(args []string) (Invocation, error) {
			return Invocation{Command: command, Text: strings.Join(args, " ")}, nil
		}
	}
	leaf(&cobra.Command{Use: "answer TEXT...", Short: "Replace the current answer text", Args: cobra.MinimumNArgs(1)}, textCommand(CommandAnswer))
	leaf(&cobra.Command{Use: "append TEXT...", Short: "Append to the current answer text", Args: cobra.MinimumNArgs(1)}, textCommand(CommandAppend))

	leaf(&cobra.Command{
		Use:       "voice [on|off]",
		Short:     "Toggle voice answers, or switch them on or off",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
	}, func(args []string) (Invocation, error) {
		inv := Invocation{Command: CommandVoice}
		if len(args) == 1 {
			inv.Text = args[0]
		}
		return inv, nil
	})

	var limit int
	historyCmd := leaf(&cobra.Command{
		Use:   "history [TOKEN]",
		Short: "Show recorded runs, or the answer journal of one session",
		Args:  cobra.MaximumNArgs(1),
	}, func(args []string) (Invocation, error) {
		inv := Invocation{Command: CommandHistory, Limit: limit}
		if len(args) == 1 {
			inv.Token = args[0]
		}
		return inv, nil
	})
	historyCmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	})

	return root
}
