package push

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	shown []Payload
	err   error
}

func (n *recordingNotifier) Show(p Payload) error {
	n.shown = append(n.shown, p)
	return n.err
}

type recordingNavigator struct {
	opened []string
}

func (n *recordingNavigator) OpenView(path string) error {
	n.opened = append(n.opened, path)
	return nil
}

func TestOnPushShowsNotification(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDispatcher(notifier, nil, zerolog.Nop())

	d.OnPush([]byte(`{"title":"Build done","body":"All green","tag":"ci"}`))

	if len(notifier.shown) != 1 {
		t.Fatalf("Shown %d notifications", len(notifier.shown))
	}
	if notifier.shown[0].Title != "Build done" || notifier.shown[0].Tag != "ci" {
		t.Fatalf("Shown %+v", notifier.shown[0])
	}
}

func TestOnPushDefaultsTitle(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDispatcher(notifier, nil, zerolog.Nop())

	d.OnPush([]byte(`{"body":"untitled"}`))

	if notifier.shown[0].Title != "Notification" {
		t.Fatalf("Title is %s", notifier.shown[0].Title)
	}
}

func TestOnPushSwallowsGarbageAndShowErrors(t *testing.T) {
	d := NewDispatcher(&recordingNotifier{err: fmt.Errorf("display broken")}, nil, zerolog.Nop())

	// neither may panic or propagate
	d.OnPush([]byte("not json"))
	d.OnPush([]byte(`{"title":"x"}`))
}

func TestOnActionView(t *testing.T) {
	nav := &recordingNavigator{}
	d := NewDispatcher(nil, nav, zerolog.Nop())

	if err := d.OnAction(ActionView, map[string]any{"url": "/orders/42"}); err != nil {
		t.Fatal(err)
	}

	if len(nav.opened) != 1 || nav.opened[0] != "/orders/42" {
		t.Fatalf("Opened %v", nav.opened)
	}
}

func TestOnActionViewWithoutURLOpensRoot(t *testing.T) {
	nav := &recordingNavigator{}
	d := NewDispatcher(nil, nav, zerolog.Nop())

	d.OnAction(ActionView, nil)

	if len(nav.opened) != 1 || nav.opened[0] != RootView {
		t.Fatalf("Opened %v", nav.opened)
	}
}

func TestOnActionDismissDoesNothing(t *testing.T) {
	nav := &recordingNavigator{}
	d := NewDispatcher(nil, nav, zerolog.Nop())

	if err := d.OnAction(ActionDismiss, nil); err != nil {
		t.Fatal(err)
	}
	if len(nav.opened) != 0 {
		t.Fatalf("Opened %v", nav.opened)
	}
}

func TestUnknownActionOpensRoot(t *testing.T) {
	nav := &recordingNavigator{}
	d := NewDispatcher(nil, nav, zerolog.Nop())

	d.OnAction("share", nil)

	if len(nav.opened) != 1 || nav.opened[0] != RootView {
		t.Fatalf("Opened %v", nav.opened)
	}
}
