package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Action is a human decision verb.
type Action string

// Action constants
const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Command is one parsed decision. IDs holds one or more ids or id prefixes;
// All targets every pending item instead.
type Command struct {
	Action Action   `json:"action"`
	IDs    []string `json:"ids,omitempty"`
	All    bool     `json:"all,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// Outcome reports what one command did to one item.
type Outcome struct {
	ID      string `json:"id"`
	Action  Action `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ParseCommands parses one command per non-empty line:
//
//	approve <id>[,<id>...] [<id>...]
//	approve all
//	reject <id>[,<id>...] <reason>
//	reject all <reason>
//
// Lines starting with # are ignored.
func ParseCommands(text string) ([]Command, error) {
	var cmds []Command
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "/"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", i+1)
		}
		cmds = append(cmds, cmd)
	}
	if len(cmds) == 0 {
		return nil, errors.New("no commands given")
	}
	return cmds, nil
}

func parseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	cmd := Command{Action: Action(strings.ToLower(fields[0]))}
	args := fields[1:]

	switch cmd.Action {
	case ActionApprove:
		if len(args) == 0 {
			return cmd, errors.New("usage: approve <id>[,<id>...] | approve all")
		}
		if strings.EqualFold(args[0], "all") {
			if len(args) > 1 {
				return cmd, errors.New("approve all takes no further arguments")
			}
			cmd.All = true
			return cmd, nil
		}
		for _, arg := range args {
			cmd.IDs = append(cmd.IDs, splitIDs(arg)...)
		}
	case ActionReject:
		if len(args) < 2 {
			return cmd, errors.New("usage: reject <id>[,<id>...] <reason> | reject all <reason>")
		}
		if strings.EqualFold(args[0], "all") {
			cmd.All = true
		} else {
			cmd.IDs = splitIDs(args[0])
		}
		cmd.Reason = strings.Join(args[1:], " ")
	default:
		return cmd, errors.Errorf("unknown command %q", fields[0])
	}

	if !cmd.All && len(cmd.IDs) == 0 {
		return cmd, errors.Errorf("%s needs at least one id", cmd.Action)
	}
	return cmd, nil
}

func splitIDs(arg string) []string {
	var ids []string
	for _, id := range strings.Split(arg, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Dispatch parses text and applies every command in order. A failure on one
// item is reported in its outcome and does not stop the rest.
func (g *Gate) Dispatch(ctx context.Context, text string) ([]Outcome, error) {
	cmds, err := ParseCommands(text)
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for _, cmd := range cmds {
		ids := cmd.IDs
		if cmd.All {
			pending, err := g.queue.Pending(ctx)
			if err != nil {
				return outcomes, err
			}
			ids = ids[:0:0]
			for _, item := range pending {
				ids = append(ids, item.ID)
			}
		}
		for _, id := range ids {
			outcomes = append(outcomes, g.run(ctx, cmd, id))
		}
	}
	return outcomes, nil
}

func (g *Gate) run(ctx context.Context, cmd Command, id string) Outcome {
	out := Outcome{ID: id, Action: cmd.Action}

	var (
		item Item
		err  error
	)
	switch cmd.Action {
	case ActionApprove:
		item, err = g.Approve(ctx, id)
	case ActionReject:
		item, err = g.Reject(ctx, id, cmd.Reason)
	}
	if item.ID != "" {
		out.ID = item.ID
	}
	if err != nil {
		out.Message = fmt.Sprintf("%s %s failed: %s", cmd.Action, id, err)
		return out
	}
	out.Success = true
	out.Message = fmt.Sprintf("%s %s: %s", item.Status, item.Kind, displayName(item))
	return out
}
