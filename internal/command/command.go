// Package command implements the per-message command registry: a statically
// built table mapping names and aliases to handlers, with load-time
// collision detection and isolated dispatch.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hivebot/botfleet/internal/adapter"
)

// ErrNotFound is returned when no command matches a name or alias.
var ErrNotFound = errors.New("command not found")

// Scope controls which bots a command is visible to.
type Scope string

const (
	// ScopeGlobal commands are available on every bot.
	ScopeGlobal Scope = "global"
	// ScopeBot commands are available only on the bot they are pinned to.
	ScopeBot Scope = "bot"
)

// Invocation carries one resolved command invocation into its handler.
type Invocation struct {
	BotID      string
	ServerName string
	Message    *adapter.Message
	Args       []string
}

// HandlerFunc executes one command and returns the reply text.
type HandlerFunc func(ctx context.Context, inv *Invocation) (string, error)

// Command is one dispatchable handler with its routing metadata.
type Command struct {
	Name     string
	Aliases  []string
	Category string
	Scope    Scope
	// BotID pins a ScopeBot command to one bot. Ignored for ScopeGlobal.
	BotID   string
	Handler HandlerFunc
}

// Registry is the lookup table from command names and aliases to handlers.
// Registration is additive and collision-checked; resolution is a pure
// function of the registered table.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Command
	commands []*Command
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Command)}
}

// Register adds a command to the table. Registering a name or alias that
// already maps to a different handler is a configuration error, reported
// here at load time rather than at dispatch time.
func (r *Registry) Register(cmd *Command) error {
	if cmd.Name == "" {
		return errors.New("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q has no handler", cmd.Name)
	}
	if cmd.Scope == "" {
		cmd.Scope = ScopeGlobal
	}
	if cmd.Scope == ScopeBot && cmd.BotID == "" {
		return fmt.Errorf("bot-scoped command %q has no bot id", cmd.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keys := append([]string{cmd.Name}, cmd.Aliases...)
	for _, key := range keys {
		normalized := normalize(key)
		if existing, ok := r.byName[normalized]; ok {
			return fmt.Errorf("command name %q already registered to %q", key, existing.Name)
		}
	}
	for _, key := range keys {
		r.byName[normalize(key)] = cmd
	}
	r.commands = append(r.commands, cmd)
	return nil
}

// Resolve returns the command registered under a name or alias.
func (r *Registry) Resolve(name string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.byName[normalize(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return cmd, nil
}

// ResolveFor resolves a name for a specific bot, honoring per-bot scoping.
func (r *Registry) ResolveFor(name, botID string) (*Command, error) {
	cmd, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if cmd.Scope == ScopeBot && cmd.BotID != botID {
		return nil, ErrNotFound
	}
	return cmd, nil
}

// ByCategory groups the registered commands by category. The grouping is
// derived from the table on each call, never stored separately.
func (r *Registry) ByCategory() map[string][]*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make(map[string][]*Command)
	for _, cmd := range r.commands {
		groups[cmd.Category] = append(groups[cmd.Category], cmd)
	}
	for _, cmds := range groups {
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	}
	return groups
}

// Names returns the primary names of all registered commands, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for _, cmd := range r.commands {
		names = append(names, cmd.Name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
