package console

import (
	"context"
	"testing"
	"time"

	"p2pcall/native/internal/domain"
)

var _ domain.Handlers = (*Handlers)(nil)
var _ domain.Permissions = (*Permissions)(nil)

func TestHandlers_AutoAccept(t *testing.T) {
	ctx := context.Background()

	if !NewHandlers(true).AcceptConfirm(ctx, domain.MediaVideo, time.Minute, false) {
		t.Error("expected auto accept")
	}
	if NewHandlers(false).AcceptConfirm(ctx, domain.MediaVideo, time.Minute, false) {
		t.Error("expected refusal")
	}
	if !NewHandlers(false).RequestConfirm(ctx, domain.MediaAudio, false) {
		t.Error("expected outgoing calls always confirmed")
	}
}

func TestHandlers_EndedOnDisconnect(t *testing.T) {
	h := NewHandlers(true)

	h.Connected(true)
	select {
	case <-h.Ended():
		t.Fatal("unexpected end on connect")
	default:
	}

	h.Connected(false)
	h.Failed()
	select {
	case <-h.Ended():
	default:
		t.Fatal("expected end notification")
	}
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	p := NewPermissions("CAMERA")

	if !p.RequestPermissions(ctx, "RECORD_AUDIO") {
		t.Error("expected audio granted")
	}
	if p.RequestPermissions(ctx, "RECORD_AUDIO", "CAMERA") {
		t.Error("expected camera denied")
	}
}
