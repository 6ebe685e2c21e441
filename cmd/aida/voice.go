package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/aida/internal/mode"
	"github.com/szaher/aida/internal/session"
	"github.com/szaher/aida/internal/speech"
)

func newVoiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voice",
		Short: "Run a voice session",
		Long: `Voice mode: wait for the wake word, listen for one utterance, answer, and
wait again. On a terminal a line containing a wake word ("aida", "jarvis",
"wake" or an empty line) wakes the assistant and the next line is what you
say. Answers are spoken when tts.api_key is set and always printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeApp(a)

			out := cmd.OutOrStdout()
			printer := speech.NewWriterPrinter(out, "Aida: ")
			if err := a.startConversation(conversationOptions{
				printer: printer,
				speaker: a.speaker(),
				onWarn:  func(*session.Session) { printer.Print(idleWarning) },
			}); err != nil {
				return err
			}

			console := speech.NewConsole(cmd.InOrStdin(), a.cfg.Voice.WakeWords...)
			return runVoice(a.context(ctx), out, a.sessions, console, userID)
		},
	}
}

// voiceSessions is what voice mode needs from the session registry.
type voiceSessions interface {
	Open(ctx context.Context, userID string) (*session.Session, error)
	Touch(id string) error
	End(id string) error
}

// voiceInput is a wake detector and transcriber that reports end of input.
type voiceInput interface {
	mode.WakeDetector
	mode.Transcriber
	Done() <-chan struct{}
	Err() error
}

// runVoice runs voice cycles until input ends or ctx is cancelled. When a
// session is evicted or fails a fresh one takes over.
func runVoice(ctx context.Context, out io.Writer, sessions voiceSessions, in voiceInput, user string) error {
	for {
		sess, err := sessions.Open(ctx, user)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Waiting for wake word (type 'aida' or press Enter; Ctrl-D to quit)...")

		err = sess.Controller.RunVoice(ctx, in, activity{in, sessions, sess.ID})
		if err != nil && !errors.Is(err, mode.ErrClosed) {
			fmt.Fprintf(out, "Session ended: %v\n", err)
		}

		select {
		case <-in.Done():
			_ = sessions.End(sess.ID)
			if err := in.Err(); err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		default:
		}
		if ctx.Err() != nil {
			_ = sessions.End(sess.ID)
			return nil
		}
	}
}

// activity marks the session active whenever the user starts speaking.
type activity struct {
	mode.Transcriber
	sessions voiceSessions
	id       string
}

func (a activity) Listen(ctx context.Context) (<-chan speech.Transcript, error) {
	_ = a.sessions.Touch(a.id)
	return a.Transcriber.Listen(ctx)
}
