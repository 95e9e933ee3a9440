package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hivebot/botfleet/internal/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, inv *Invocation) (string, error) {
	return "", nil
}

func TestRegisterAndResolve(t *testing.T) {
	registry := NewRegistry()

	cmd := &Command{
		Name:     "commands",
		Aliases:  []string{"help", "menu"},
		Category: "general",
		Handler:  noopHandler,
	}
	require.NoError(t, registry.Register(cmd))

	// Every alias resolves to the same handler object as the primary name.
	byName, err := registry.Resolve("commands")
	require.NoError(t, err)
	for _, alias := range []string{"help", "menu", "HELP", " Commands "} {
		byAlias, err := registry.Resolve(alias)
		require.NoError(t, err, alias)
		assert.Same(t, byName, byAlias, alias)
	}

	_, err = registry.Resolve("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterDetectsCollisions(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Command{Name: "ping", Handler: noopHandler}))
	require.NoError(t, registry.Register(&Command{Name: "stats", Aliases: []string{"info"}, Handler: noopHandler}))

	// Name colliding with an existing name.
	assert.Error(t, registry.Register(&Command{Name: "ping", Handler: noopHandler}))
	// Alias colliding with an existing name.
	assert.Error(t, registry.Register(&Command{Name: "other", Aliases: []string{"ping"}, Handler: noopHandler}))
	// Name colliding with an existing alias.
	assert.Error(t, registry.Register(&Command{Name: "info", Handler: noopHandler}))
	// Case-insensitive collision.
	assert.Error(t, registry.Register(&Command{Name: "PING", Handler: noopHandler}))

	// A failed registration must not leave partial alias entries behind.
	assert.Error(t, registry.Register(&Command{Name: "fresh", Aliases: []string{"ping"}, Handler: noopHandler}))
	_, err := registry.Resolve("fresh")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterValidation(t *testing.T) {
	registry := NewRegistry()
	assert.Error(t, registry.Register(&Command{Handler: noopHandler}))
	assert.Error(t, registry.Register(&Command{Name: "x"}))
	assert.Error(t, registry.Register(&Command{Name: "x", Scope: ScopeBot, Handler: noopHandler}))
}

func TestResolveForHonorsScope(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Command{Name: "ping", Handler: noopHandler}))
	require.NoError(t, registry.Register(&Command{
		Name:    "vip",
		Scope:   ScopeBot,
		BotID:   "bot_a",
		Handler: noopHandler,
	}))

	_, err := registry.ResolveFor("ping", "bot_b")
	assert.NoError(t, err)

	_, err = registry.ResolveFor("vip", "bot_a")
	assert.NoError(t, err)

	_, err = registry.ResolveFor("vip", "bot_b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestByCategoryIsDerived(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Command{Name: "ping", Category: "general", Handler: noopHandler}))
	require.NoError(t, registry.Register(&Command{Name: "echo", Category: "general", Handler: noopHandler}))
	require.NoError(t, registry.Register(&Command{Name: "uptime", Category: "info", Handler: noopHandler}))

	groups := registry.ByCategory()
	require.Len(t, groups, 2)
	require.Len(t, groups["general"], 2)
	assert.Equal(t, "echo", groups["general"][0].Name)
	assert.Equal(t, "ping", groups["general"][1].Name)
	require.Len(t, groups["info"], 1)

	// Later registrations show up without any refresh step.
	require.NoError(t, registry.Register(&Command{Name: "whoami", Category: "info", Handler: noopHandler}))
	assert.Len(t, registry.ByCategory()["info"], 2)
}

func message(text string) *adapter.Message {
	return &adapter.Message{From: "15550009999", Chat: "chat-1", Text: text}
}

func TestDispatchRunsHandler(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Command{
		Name: "echo",
		Handler: func(ctx context.Context, inv *Invocation) (string, error) {
			assert.Equal(t, "bot_a", inv.BotID)
			assert.Equal(t, []string{"hello", "world"}, inv.Args)
			return "hello world", nil
		},
	}))

	dispatcher := NewDispatcher(registry, "server-1")
	conn := adapter.NewSimConn()

	handled := dispatcher.Dispatch(context.Background(), "bot_a", message("!echo hello world"), conn)
	assert.True(t, handled)

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "chat-1", sent[0].Chat)
	assert.Equal(t, "hello world", sent[0].Text)
}

func TestDispatchIgnoresPlainMessages(t *testing.T) {
	dispatcher := NewDispatcher(NewRegistry(), "server-1")
	conn := adapter.NewSimConn()

	assert.False(t, dispatcher.Dispatch(context.Background(), "bot_a", message("just chatting"), conn))
	assert.False(t, dispatcher.Dispatch(context.Background(), "bot_a", message("!   "), conn))
	assert.Empty(t, conn.Sent())
}

func TestDispatchUnknownCommandReplies(t *testing.T) {
	dispatcher := NewDispatcher(NewRegistry(), "server-1")
	conn := adapter.NewSimConn()

	handled := dispatcher.Dispatch(context.Background(), "bot_a", message("!nosuch"), conn)
	assert.True(t, handled)
	require.Len(t, conn.Sent(), 1)
	assert.Contains(t, conn.Sent()[0].Text, "Unknown command")
}

func TestDispatchIsolatesFailures(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Command{
		Name: "boom",
		Handler: func(ctx context.Context, inv *Invocation) (string, error) {
			panic("handler exploded")
		},
	}))
	require.NoError(t, registry.Register(&Command{
		Name: "fail",
		Handler: func(ctx context.Context, inv *Invocation) (string, error) {
			return "", errors.New("backend down")
		},
	}))
	require.NoError(t, registry.Register(&Command{Name: "ping", Handler: func(ctx context.Context, inv *Invocation) (string, error) {
		return "pong", nil
	}}))

	dispatcher := NewDispatcher(registry, "server-1")
	conn := adapter.NewSimConn()

	// Neither a panic nor an error may escape Dispatch.
	assert.NotPanics(t, func() {
		assert.True(t, dispatcher.Dispatch(context.Background(), "bot_a", message("!boom"), conn))
		assert.True(t, dispatcher.Dispatch(context.Background(), "bot_a", message("!fail"), conn))
	})

	sent := conn.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, failureReply, sent[0].Text)
	assert.Equal(t, failureReply, sent[1].Text)

	// The dispatcher keeps serving other commands afterwards.
	assert.True(t, dispatcher.Dispatch(context.Background(), "bot_a", message("!ping"), conn))
	assert.Equal(t, "pong", conn.Sent()[2].Text)
}

func TestBuiltins(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, RegisterBuiltins(registry, time.Now()))

	help, err := registry.Resolve("help")
	require.NoError(t, err)
	commands, err := registry.Resolve("commands")
	require.NoError(t, err)
	assert.Same(t, help, commands)

	reply, err := help.Handler(context.Background(), &Invocation{Message: message("!help")})
	require.NoError(t, err)
	assert.Contains(t, reply, "!ping")
	assert.Contains(t, reply, "!uptime")
}
