package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"goal-clarifier/internal/app"
	"goal-clarifier/internal/config"
	"goal-clarifier/internal/usecase"
)

func chatCmd(configPath *string) *cobra.Command {
	var (
		sessionID    string
		showStrategy bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Long: `Start an interactive clarification session. Type your research interest;
the agent asks follow-up questions until the goal is confirmed.

Type /exit or press Ctrl-D to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogging(slog.LevelError, false)

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if strings.TrimSpace(sessionID) == "" {
				sessionID = uuid.NewString()
			}
			r := &repl{
				turns:        a.Service,
				sessionID:    sessionID,
				showStrategy: showStrategy,
				out:          cmd.OutOrStdout(),
			}
			return r.run(cmd.Context(), os.Stdin)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to start or resume")
	cmd.Flags().BoolVar(&showStrategy, "show-strategy", true, "print the interaction strategy chosen for each reply")
	return cmd
}

type turnStreamer interface {
	Stream(ctx context.Context, in usecase.TurnInput) iter.Seq2[usecase.Event, error]
}

type repl struct {
	turns        turnStreamer
	sessionID    string
	showStrategy bool
	out          io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	prompt := color.New(color.FgCyan, color.Bold)
	fmt.Fprintf(r.out, "%s %s\n", color.CyanString("session"), r.sessionID)

	scanner := bufio.NewScanner(in)
	for {
		prompt.Fprint(r.out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}
		if err := r.turn(ctx, line); err != nil {
			return err
		}
	}
}

// turn streams one reply. Turn-scoped failures are printed and the session
// continues; only a canceled context ends the loop.
func (r *repl) turn(ctx context.Context, message string) error {
	agent := color.New(color.FgGreen, color.Bold)
	for ev, err := range r.turns.Stream(ctx, usecase.TurnInput{SessionID: r.sessionID, Message: message}) {
		if err != nil {
			fmt.Fprintln(r.out)
			var ucErr *usecase.Error
			if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorCanceled {
				return ctx.Err()
			}
			fmt.Fprintf(r.out, "%s %v\n", color.RedString("error:"), err)
			if errors.As(err, &ucErr) && ucErr.Retryable() {
				fmt.Fprintln(r.out, color.YellowString("(temporary failure, send your message again)"))
			}
			return nil
		}
		switch ev.Kind {
		case usecase.EventStrategy:
			if r.showStrategy {
				fmt.Fprintln(r.out, color.New(color.Faint).Sprintf("[%s]", ev.Strategy))
			}
			agent.Fprint(r.out, "agent> ")
		case usecase.EventFragment:
			fmt.Fprint(r.out, ev.Fragment)
		case usecase.EventDone:
			fmt.Fprintln(r.out)
			if ev.Output != nil && !ev.Output.Persisted {
				fmt.Fprintln(r.out, color.YellowString("(warning: turn not saved: %v)", ev.Output.PersistErr))
			}
			if ev.Output != nil && ev.Output.Summary != "" {
				fmt.Fprintf(r.out, "%s %s\n", color.New(color.FgMagenta, color.Bold).Sprint("goal summary:"), ev.Output.Summary)
			}
		}
	}
	return nil
}
