// Package push renders notifications from pushed payloads and routes the
// user's actions on them back into the application.
package push

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Action identifiers the dispatcher understands. Anything else falls
// through to the default route.
const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// RootView is opened for the default and for unknown actions.
const RootView = "/"

// Payload is a pushed notification. It only lives for the duration of
// rendering and the user's interaction.
type Payload struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon"`
	Tag     string         `json:"tag"`
	Actions []Action       `json:"actions"`
	Data    map[string]any `json:"data"`
}

// Action is a button offered on a rendered notification.
type Action struct {
	ID    string `json:"action"`
	Title string `json:"title"`
}

// Notifier renders a notification. Supplied by the host.
type Notifier interface {
	Show(Payload) error
}

// Navigator opens or focuses an application view. Supplied by the host.
type Navigator interface {
	OpenView(path string) error
}

type Dispatcher struct {
	notifier  Notifier
	navigator Navigator
	log       zerolog.Logger
}

func NewDispatcher(notifier Notifier, navigator Navigator, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier:  notifier,
		navigator: navigator,
		log:       logger,
	}
}

// OnPush decodes a pushed payload and displays it.
// Display is fire-and-forget: failures are logged, never propagated.
func (d *Dispatcher) OnPush(raw []byte) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		d.log.Warn().Err(err).Msg("Undecodable push payload")
		return
	}
	if p.Title == "" {
		p.Title = "Notification"
	}
	if d.notifier == nil {
		d.log.Debug().Str("title", p.Title).Msg("No notifier configured, dropping notification")
		return
	}
	if err := d.notifier.Show(p); err != nil {
		d.log.Warn().Err(err).Str("tag", p.Tag).Msg("Could not display notification")
	}
}

// OnAction routes a user's interaction with a displayed notification.
// Unknown actions open the root view; a user interaction is never
// silently dropped.
func (d *Dispatcher) OnAction(action string, data map[string]any) error {
	switch action {
	case ActionDismiss:
		return nil
	case ActionView:
		return d.open(viewPath(data))
	default:
		return d.open(RootView)
	}
}

func (d *Dispatcher) open(path string) error {
	if d.navigator == nil {
		return fmt.Errorf("no navigator configured")
	}
	d.log.Debug().Str("path", path).Msg("Opening view")
	return d.navigator.OpenView(path)
}

func viewPath(data map[string]any) string {
	if url, ok := data["url"].(string); ok && url != "" {
		return url
	}
	return RootView
}
