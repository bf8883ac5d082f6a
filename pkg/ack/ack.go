// Package ack implements the final "press any key" wait of the launcher.
// Dismissing the prompt only ends the launcher; spawned services keep running.
package ack

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/devlaunch/pkg/launch"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

const Prompt = "Press any key to exit (services keep running)..."

// New picks a single-key prompt when in is a terminal and a line-based one
// otherwise (pipes, CI, tests).
func New(in io.Reader, out io.Writer) launch.Acknowledger {
	if f, ok := in.(*os.File); ok && isTerminal(f) {
		return &KeyPrompt{In: in, Out: out}
	}
	return &LinePrompt{In: in, Out: out}
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// KeyPrompt puts the terminal in raw mode and returns on the first key.
type KeyPrompt struct {
	In  io.Reader
	Out io.Writer
}

func (k *KeyPrompt) Wait(ctx context.Context) error {
	p := tea.NewProgram(newKeyModel(),
		tea.WithInput(k.In),
		tea.WithOutput(k.Out),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "key prompt")
	}
	return nil
}

type keyModel struct {
	style lipgloss.Style
	done  bool
}

func newKeyModel() keyModel {
	return keyModel{
		style: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#06B6D4")),
	}
}

func (m keyModel) Init() tea.Cmd { return nil }

func (m keyModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if _, ok := msg.(tea.KeyMsg); ok {
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m keyModel) View() string {
	if m.done {
		return ""
	}
	return m.style.Render(Prompt) + "\n"
}

// LinePrompt waits for a newline (or EOF) on In.
type LinePrompt struct {
	In  io.Reader
	Out io.Writer
}

func (l *LinePrompt) Wait(ctx context.Context) error {
	if l.Out != nil {
		_, _ = fmt.Fprintln(l.Out, Prompt)
	}
	if l.In == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(l.In).ReadString('\n')
		if err == io.EOF {
			err = nil
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "read acknowledgment")
		}
		return nil
	}
}

// None returns immediately.
type None struct{}

func (None) Wait(ctx context.Context) error { return nil }
