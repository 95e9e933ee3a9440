package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RegisterBuiltins installs the static command set every bot serves. The
// table is built declaratively at startup; there is no runtime plugin
// scanning.
func RegisterBuiltins(registry *Registry, startedAt time.Time) error {
	builtins := []*Command{
		{
			Name:     "ping",
			Category: "general",
			Handler: func(ctx context.Context, inv *Invocation) (string, error) {
				return "pong", nil
			},
		},
		{
			Name:     "help",
			Aliases:  []string{"commands", "menu"},
			Category: "general",
			Handler: func(ctx context.Context, inv *Invocation) (string, error) {
				return helpText(registry), nil
			},
		},
		{
			Name:     "uptime",
			Category: "info",
			Handler: func(ctx context.Context, inv *Invocation) (string, error) {
				return fmt.Sprintf("Up for %s", time.Since(startedAt).Round(time.Second)), nil
			},
		},
		{
			Name:     "whoami",
			Aliases:  []string{"id"},
			Category: "info",
			Handler: func(ctx context.Context, inv *Invocation) (string, error) {
				return fmt.Sprintf("You are %s in chat %s", inv.Message.From, inv.Message.Chat), nil
			},
		},
		{
			Name:     "echo",
			Aliases:  []string{"say"},
			Category: "general",
			Handler: func(ctx context.Context, inv *Invocation) (string, error) {
				if len(inv.Args) == 0 {
					return "Nothing to echo.", nil
				}
				return strings.Join(inv.Args, " "), nil
			},
		},
	}

	for _, cmd := range builtins {
		if err := registry.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func helpText(registry *Registry) string {
	groups := registry.ByCategory()
	categories := make([]string, 0, len(groups))
	for category := range groups {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, category := range categories {
		b.WriteString(strings.ToUpper(category))
		b.WriteString(":")
		for _, cmd := range groups[category] {
			b.WriteString(" ")
			b.WriteString(DefaultPrefix)
			b.WriteString(cmd.Name)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
