package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"fireside/internal/chat"
	"fireside/internal/chatstore"
	"fireside/internal/config"
	"fireside/internal/metrics"
)

// REPL is the interactive chat loop. Plain input is sent to the model;
// lines starting with '/' are commands.
type REPL struct {
	ctrl    *chat.Controller
	store   *chatstore.Store
	stats   *metrics.Store // nil when metrics are disabled
	presets []config.Preset
	out     io.Writer
}

// NewREPL wires the loop. store may be nil to disable chat persistence;
// stats may be nil to disable the /stats command.
func NewREPL(ctrl *chat.Controller, store *chatstore.Store, stats *metrics.Store, presets []config.Preset, out io.Writer) *REPL {
	if ctrl == nil {
		panic("cli: controller must not be nil")
	}
	if out == nil {
		panic("cli: out must not be nil")
	}
	return &REPL{ctrl: ctrl, store: store, stats: stats, presets: presets, out: out}
}

// Run reads lines until EOF or /quit. Operation errors are printed, never
// fatal: a rejected operation leaves the conversation usable.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(r.out, "> ")
	for scanner.Scan() {
		quit, err := r.Execute(ctx, scanner.Text())
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		fmt.Fprint(r.out, "> ")
	}
	return scanner.Err()
}

// Execute runs one input line. It returns quit=true for /quit.
func (r *REPL) Execute(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case strings.HasPrefix(line, "/"):
		return r.command(ctx, line)
	default:
		return false, r.ctrl.Send(ctx, line)
	}
}

func (r *REPL) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printHelp()
		return false, nil
	case "/continue":
		return false, r.ctrl.Continue(ctx)
	case "/regen":
		return false, r.ctrl.Regenerate(ctx)
	case "/rewind":
		return false, r.ctrl.Rewind()
	case "/restart":
		return false, r.ctrl.Restart(ctx)
	case "/clear":
		return false, r.ctrl.Clear()
	case "/system":
		if len(args) == 0 {
			return false, errors.New("usage: /system <prompt>")
		}
		return false, r.ctrl.SetSystemPrompt(strings.Join(args, " "))
	case "/preset":
		return false, r.applyPreset(args)
	case "/save":
		return false, r.saveChat(args)
	case "/load":
		return false, r.loadChat(args)
	case "/chats":
		return false, r.listChats()
	case "/stats":
		return false, r.printStats()
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

func (r *REPL) applyPreset(args []string) error {
	if len(args) != 1 {
		names := make([]string, 0, len(r.presets))
		for _, p := range r.presets {
			names = append(names, p.Name)
		}
		return fmt.Errorf("usage: /preset <name> (available: %s)", strings.Join(names, ", "))
	}
	preset, ok := config.FindPreset(r.presets, args[0])
	if !ok {
		return fmt.Errorf("no preset named %q", args[0])
	}
	if err := r.ctrl.SetSampling(preset.Sampling); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "sampling preset: %s\n", preset.Name)
	return nil
}

func (r *REPL) saveChat(args []string) error {
	if r.store == nil {
		return errors.New("chat persistence is disabled")
	}
	if len(args) != 1 {
		return errors.New("usage: /save <name>")
	}
	state, err := r.ctrl.State()
	if err != nil {
		return err
	}
	if err := r.store.Save(args[0], state); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "saved %s\n", args[0])
	return nil
}

func (r *REPL) loadChat(args []string) error {
	if r.store == nil {
		return errors.New("chat persistence is disabled")
	}
	if len(args) != 1 {
		return errors.New("usage: /load <name>")
	}
	state, err := r.store.Load(args[0])
	if err != nil {
		return err
	}
	return r.ctrl.Restore(state)
}

func (r *REPL) listChats() error {
	if r.store == nil {
		return errors.New("chat persistence is disabled")
	}
	names, err := r.store.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(r.out, "no saved chats")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(r.out, name)
	}
	return nil
}

func (r *REPL) printStats() error {
	if r.stats == nil {
		return errors.New("metrics are disabled")
	}
	summaries, err := r.stats.Summarize()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(r.out, "no generations recorded")
		return nil
	}
	for _, s := range summaries {
		fmt.Fprintf(r.out, "%s: %d generations, %d tokens, avg %.1f tok/s, peak %.1f tok/s\n",
			s.Model, s.Generations, s.TotalTokens, s.AvgRate, s.PeakRate)
	}
	return nil
}

func (r *REPL) printHelp() {
	fmt.Fprint(r.out, `commands:
  /continue        let the model keep going
  /regen           regenerate the last reply
  /rewind          drop the last exchange
  /restart         reset to the system prompt and regreet
  /clear           wipe the conversation
  /system <text>   set the system prompt
  /preset <name>   switch sampling preset
  /save <name>     save the conversation
  /load <name>     load a saved conversation
  /chats           list saved conversations
  /stats           show generation statistics
  /quit            exit
`)
}
