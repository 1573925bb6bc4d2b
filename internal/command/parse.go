package command

import (
	"strings"
)

// Command represents a parsed slash command.
type Command struct {
	Name string
	// Bang is set for a name written with a trailing "!", as in /shutdown!.
	Bang      bool
	Args      []string
	Raw       string
	Remainder string
}

// Parse parses a console line and returns a Command if it starts with "/".
func Parse(input string) (Command, bool) {
	trimmed := strings.TrimLeft(input, " \t")
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, false
	}
	raw := strings.TrimSpace(trimmed[1:])
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Command{Raw: raw}, true
	}
	name := strings.ToLower(fields[0])
	bang := strings.HasSuffix(name, "!")
	name = strings.TrimSuffix(name, "!")
	cmd := Command{Name: name, Bang: bang, Args: fields[1:], Raw: raw}
	if _, rest, ok := strings.Cut(raw, fields[0]); ok {
		cmd.Remainder = strings.TrimSpace(rest)
	}
	return cmd, true
}
