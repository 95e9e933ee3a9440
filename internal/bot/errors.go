package bot

import (
	"errors"
	"fmt"

	"github.com/hivebot/botfleet/internal/model"
)

var (
	// ErrUnknownBot is returned when no bot exists for an id.
	ErrUnknownBot = errors.New("unknown bot")
	// ErrNotApproved is returned when starting a bot that has not been
	// admitted to the fleet.
	ErrNotApproved = errors.New("bot not approved")
	// ErrAlreadyRunning is returned when starting a bot that already holds
	// (or is acquiring) an adapter connection.
	ErrAlreadyRunning = errors.New("bot already running")
	// ErrNotRunning is returned when stopping a bot with no live
	// connection.
	ErrNotRunning = errors.New("bot not running")
	// ErrDestroyed is returned for any operation on a destroyed bot.
	ErrDestroyed = errors.New("bot destroyed")
	// ErrNoCredentials is returned when a bot has no stored credential
	// bundle to connect with.
	ErrNoCredentials = errors.New("no credentials for bot")
)

// IllegalTransitionError reports an attempted lifecycle transition outside
// the legal state machine.
type IllegalTransitionError struct {
	BotID string
	From  model.BotState
	To    model.BotState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("bot %s: illegal transition %s -> %s", e.BotID, e.From, e.To)
}
