package main

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

	"github.com/spf13/cobra"

	"github.com/szaher/aida/internal/mode"
	"github.com/szaher/aida/internal/orchestrator"
	"github.com/szaher/aida/internal/session"
	"github.com/szaher/aida/internal/speech"
)

const chatHelp = `Commands:
  'exit' or 'quit' - Exit the program
  'help'           - Show this help message
------------------------------------------`

func newChatCmd() *cobra.Command {
	var tts bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with Aida in the terminal",
		Long:  "Text-mode conversation. Each line is one message; answers are printed and, with --tts, spoken.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeApp(a)

			out := cmd.OutOrStdout()
			opts := conversationOptions{
				printer: speech.NewWriterPrinter(out, "\nAida: "),
				onWarn:  func(*session.Session) { fmt.Fprintf(out, "\nAida: %s\nYou: ", idleWarning) },
			}
			if tts {
				opts.speaker = a.speaker()
			}
			if err := a.startConversation(opts); err != nil {
				return err
			}
			return runChat(a.context(ctx), cmd.InOrStdin(), out, a.sessions, userID)
		},
	}

	cmd.Flags().BoolVar(&tts, "tts", false, "Also speak answers with the configured TTS voice")
	return cmd
}

// chatSessions is what the REPL needs from the session registry.
type chatSessions interface {
	Open(ctx context.Context, userID string) (*session.Session, error)
	Submit(ctx context.Context, id, text string) (*mode.Reply, error)
}

// runChat reads lines from in until exit, EOF or ctx ends. Answers reach the
// user through the session's printer; runChat only prints prompts and
// errors that left no answer.
func runChat(ctx context.Context, in io.Reader, out io.Writer, sessions chatSessions, user string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := sessions.Open(ctx, user)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nAida: Hello! How can I help you?")
	fmt.Fprintln(out, "Commands: 'exit' or 'quit' to exit, 'help' for help")
	fmt.Fprintln(out, "------------------------------------------")

	lines := readLines(ctx, in)
	for {
		fmt.Fprint(out, "\nYou: ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprintln(out, chatHelp)
			continue
		}

		reply, err := sessions.Submit(ctx, sess.ID, line)
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, mode.ErrClosed) {
			// The session idled out or failed; carry on in a fresh one.
			if sess, err = sessions.Open(ctx, user); err != nil {
				return err
			}
			reply, err = sessions.Submit(ctx, sess.ID, line)
		}
		switch {
		case reply != nil:
		case ctx.Err() != nil:
			fmt.Fprintln(out)
			return nil
		case errors.Is(err, orchestrator.ErrInput):
		case err != nil:
			fmt.Fprintln(out, "\nAida: I encountered an error. Please try again.")
		}
	}
}

// readLines streams lines from r so the REPL can also watch ctx.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.close(ctx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}
