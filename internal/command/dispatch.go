package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hivebot/botfleet/internal/adapter"
	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/hivebot/botfleet/prometheus"
	"go.uber.org/zap"
)

// DefaultPrefix marks a chat message as a command invocation.
const DefaultPrefix = "!"

// failureReply is what users see when a handler errors or panics.
const failureReply = "Sorry, that command failed. Please try again later."

// Dispatcher resolves inbound messages against a registry and runs the
// matched handler with isolated failure handling.
type Dispatcher struct {
	registry   *Registry
	serverName string
	prefix     string
}

// NewDispatcher creates a dispatcher over a command registry.
func NewDispatcher(registry *Registry, serverName string) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		serverName: serverName,
		prefix:     DefaultPrefix,
	}
}

// Dispatch handles one inbound message for a bot. It returns true when the
// message was a command invocation (resolved or not). Handler errors and
// panics are contained here: the caller's message loop never sees them.
func (d *Dispatcher) Dispatch(ctx context.Context, botID string, msg *adapter.Message, conn adapter.Conn) bool {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, d.prefix) {
		return false
	}

	fields := strings.Fields(strings.TrimPrefix(text, d.prefix))
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]
	log := logger.FromContext(ctx).With(
		zap.String("bot_id", botID),
		zap.String("command", name),
	)

	cmd, err := d.registry.ResolveFor(name, botID)
	if errors.Is(err, ErrNotFound) {
		log.Debug("Unknown command")
		d.reply(ctx, conn, msg.Chat, fmt.Sprintf("Unknown command %q. Try %shelp.", name, d.prefix))
		return true
	}

	prometheus.RecordCommandDispatch(cmd.Name)

	reply, err := d.invoke(ctx, cmd, &Invocation{
		BotID:      botID,
		ServerName: d.serverName,
		Message:    msg,
		Args:       args,
	})
	if err != nil {
		log.Error("Command handler failed", zap.Error(err))
		prometheus.RecordCommandFailure()
		d.reply(ctx, conn, msg.Chat, failureReply)
		return true
	}

	if reply != "" {
		d.reply(ctx, conn, msg.Chat, reply)
	}
	return true
}

// invoke runs the handler, converting panics into errors so a single bad
// handler cannot crash the bot's message loop.
func (d *Dispatcher) invoke(ctx context.Context, cmd *Command, inv *Invocation) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, r)
		}
	}()
	return cmd.Handler(ctx, inv)
}

func (d *Dispatcher) reply(ctx context.Context, conn adapter.Conn, chat, text string) {
	if err := conn.Send(ctx, chat, text); err != nil {
		logger.FromContext(ctx).Warn("Failed to send command reply", zap.Error(err))
	}
}
