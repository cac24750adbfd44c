package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNotCommand = errors.New("protocol: not a command")

type CommandKind int

const (
	CommandForward CommandKind = iota
	CommandWatch
	CommandDevices
	CommandPoll
)

func (k CommandKind) String() string {
	switch k {
	case CommandWatch:
		return "WATCH"
	case CommandDevices:
		return "DEVICES"
	case CommandPoll:
		return "POLL"
	default:
		return "FORWARD"
	}
}

// Command is one parsed client request.
type Command struct {
	Kind CommandKind
	// Name is the upper-cased command word, e.g. "WATCH".
	Name string
	// Watch holds the ?WATCH arguments. A bare ?WATCH; leaves every field nil.
	Watch Watch
	// Raw is the trimmed request line with a single trailing newline.
	Raw []byte
}

// ParseCommand parses a client line of the form ?NAME; or ?NAME={...};.
func ParseCommand(line []byte) (Command, error) {
	s := bytes.TrimSpace(line)
	if len(s) == 0 || s[0] != '?' {
		return Command{}, ErrNotCommand
	}
	body := string(s[1:])

	name, arg := body, ""
	if i := strings.IndexByte(body, '='); i >= 0 {
		name, arg = body[:i], body[i+1:]
	}
	name = strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(name), ";")))
	arg = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(arg), ";"))

	cmd := Command{Name: name, Raw: Line(s)}
	switch name {
	case "WATCH":
		cmd.Kind = CommandWatch
		if arg != "" {
			if err := json.Unmarshal([]byte(arg), &cmd.Watch); err != nil {
				return Command{}, fmt.Errorf("protocol: watch arguments: %w", err)
			}
		}
	case "DEVICES":
		cmd.Kind = CommandDevices
	case "POLL":
		cmd.Kind = CommandPoll
	default:
		cmd.Kind = CommandForward
	}
	return cmd, nil
}

// WatchCommand renders a ?WATCH request line.
func WatchCommand(w Watch) []byte {
	w.Class = ""
	b, _ := json.Marshal(w)
	return []byte("?WATCH=" + string(b) + ";\n")
}
