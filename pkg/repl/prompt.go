package repl

import (
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
)

var descriptions = map[string]string{
	"break":    "set a breakpoint",
	"breaks":   "list breakpoints",
	"continue": "run until a breakpoint or halt",
	"delete":   "remove a breakpoint",
	"disasm":   "disassemble memory",
	"exec":     "execute one instruction",
	"help":     "show commands",
	"history":  "show command history",
	"mem":      "dump memory",
	"quit":     "exit the monitor",
	"reg":      "show or set a register",
	"regs":     "show all registers",
	"reset":    "reload the image",
	"stats":    "show execution statistics",
	"step":     "execute instructions",
	"symbols":  "list symbols",
}

// Prompt runs the monitor on the terminal with line editing and
// completion. It returns when quit is entered or on ^D.
func (r *REPL) Prompt() {
	executor := func(line string) {
		r.Eval(line, os.Stdout)
	}

	suggest := func(d prompt.Document) []prompt.Suggest {
		word := d.GetWordBeforeCursor()
		if len(word) == 0 {
			return nil
		}
		return prompt.FilterHasPrefix(r.suggestions(d.TextBeforeCursor()), word, true)
	}

	r.where(os.Stdout)
	prompt.New(executor, suggest,
		prompt.OptionPrefix(promptText),
		prompt.OptionTitle("rvsim debug"),
		prompt.OptionSetExitCheckerOnInput(func(_ string, breakline bool) bool {
			return breakline && r.done
		}),
	).Run()
}

// suggestions offers command names for the first word and symbols after.
func (r *REPL) suggestions(before string) []prompt.Suggest {
	var out []prompt.Suggest
	if !strings.Contains(strings.TrimLeft(before, " "), " ") {
		for _, name := range r.Commands() {
			out = append(out, prompt.Suggest{Text: name, Description: descriptions[name]})
		}
		return out
	}
	for _, name := range r.Symbols() {
		out = append(out, prompt.Suggest{Text: name, Description: r.location(r.symbols[name])})
	}
	return out
}
