package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/push"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }
func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("down")
}

func TestFanoutPushesAndCollectsErrors(t *testing.T) {
	var got []push.Payload
	pub := push.PublisherFunc(func(p push.Payload, scope string) {
		if scope != "L1" {
			t.Errorf("unexpected scope %q", scope)
		}
		got = append(got, p)
	})

	event := EventFromError("L1", xerrors.New(xerrors.CodeVerification, "numbers drifted", xerrors.WithMetadata("stage", "verify")))
	err := NewFanout(&PushNotifier{Publisher: pub}, AuditNotifier{}, failingNotifier{}).Notify(context.Background(), event)
	if err == nil || !strings.Contains(err.Error(), "channel broken") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(got) != 1 || got[0].Type != push.TypeAlert {
		t.Fatalf("expected one alert push, got %+v", got)
	}
	if !strings.Contains(got[0].Content, "VERIFICATION_FAILURE") || !strings.Contains(got[0].Content, "stage: verify") {
		t.Fatalf("unexpected alert content %q", got[0].Content)
	}
}

func TestNilDispatcher(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}
