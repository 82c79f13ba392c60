package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/goccy/go-json"

	"github.com/wurt83ow/possync/pkg/models"
)

// Prompter reads one line at a time. *readline.Instance implements it.
type Prompter interface {
	SetPrompt(prompt string)
	Readline() (string, error)
}

// ConflictResolver is the part of *conflicts.Resolver the review needs.
type ConflictResolver interface {
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]models.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id string, strategy models.Strategy, custom models.Snapshot) (models.ConflictRecord, error)
}

// Reviewer asks the operator how to settle each unresolved conflict.
type Reviewer struct {
	Resolver ConflictResolver
	Prompt   Prompter
	Out      io.Writer
}

var errQuit = errors.New("quit")

// Run reviews every unresolved conflict once. EOF, Ctrl-C or "q" end the review early.
func (r *Reviewer) Run(ctx context.Context) error {
	list, err := r.Resolver.ListConflicts(ctx, true)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(r.Out, "No unresolved conflicts.")
		return nil
	}

	resolved := 0
	for i, c := range list {
		fmt.Fprintf(r.Out, "\n[%d/%d] %s %s %s\n", i+1, len(list), c.Operation, c.EntityType, c.EntityID)
		fmt.Fprintf(r.Out, "  local:  %s\n", render(c.LocalData))
		fmt.Fprintf(r.Out, "  server: %s\n", render(c.ServerData))

		done, err := r.reviewOne(ctx, c)
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			return err
		}
		if done {
			resolved++
		}
	}
	fmt.Fprintf(r.Out, "Resolved %d of %d conflicts\n", resolved, len(list))
	return nil
}

func (r *Reviewer) reviewOne(ctx context.Context, c models.ConflictRecord) (bool, error) {
	for {
		r.Prompt.SetPrompt("[l]ocal [s]erver [m]erge [c]ustom s[k]ip [q]uit: ")
		line, err := r.read()
		if err != nil {
			return false, err
		}

		var strategy models.Strategy
		var custom models.Snapshot
		switch strings.ToLower(line) {
		case "l", "local":
			strategy = models.StrategyLocal
		case "s", "server":
			strategy = models.StrategyServer
		case "m", "merge":
			strategy = models.StrategyMerge
		case "c", "custom":
			strategy = models.StrategyCustom
			r.Prompt.SetPrompt("JSON: ")
			raw, err := r.read()
			if err != nil {
				return false, err
			}
			if custom, err = parseSnapshot(raw); err != nil || custom == nil {
				fmt.Fprintln(r.Out, "A JSON object is required.")
				continue
			}
		case "k", "skip":
			return false, nil
		case "q", "quit":
			return false, errQuit
		default:
			fmt.Fprintln(r.Out, "Unknown choice.")
			continue
		}

		if _, err := r.Resolver.ResolveConflict(ctx, c.ID, strategy, custom); err != nil {
			fmt.Fprintf(r.Out, "Resolve failed: %v\n", err)
			if errors.Is(err, models.ErrConflictResolved) {
				return false, nil
			}
			continue
		}
		fmt.Fprintf(r.Out, "Resolved with %s\n", strategy)
		return true, nil
	}
}

func (r *Reviewer) read() (string, error) {
	line, err := r.Prompt.Readline()
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		return "", errQuit
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func render(s models.Snapshot) string {
	if s == nil {
		return "(none)"
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprint(map[string]any(s))
	}
	return string(raw)
}
