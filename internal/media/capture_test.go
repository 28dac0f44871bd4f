package media

import (
	"context"
	"errors"
	"testing"

	"p2pcall/native/internal/domain"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
)

func TestCapture_NothingRequested(t *testing.T) {
	c := NewCapturer()

	_, err := c.Capture(context.Background(), domain.MediaIntent{})
	if !errors.Is(err, ErrNothingRequested) {
		t.Errorf("expected ErrNothingRequested, got %v", err)
	}
}

func TestCapture_BuildsDeviceConstraints(t *testing.T) {
	var got mediadevices.MediaStreamConstraints
	denied := errors.New("denied")
	c := NewCapturer()
	c.getUserMedia = func(cs mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		got = cs
		return nil, denied
	}

	_, err := c.Capture(context.Background(), domain.MediaIntent{
		Audio: domain.Constraint{Enabled: true, DeviceID: "mic-2"},
	})
	if !errors.Is(err, denied) {
		t.Fatalf("expected wrapped denial, got %v", err)
	}

	if got.Video != nil {
		t.Error("expected no video constraint")
	}
	if got.Audio == nil {
		t.Fatal("expected audio constraint")
	}
	var tc mediadevices.MediaTrackConstraints
	got.Audio(&tc)
	if tc.DeviceID != prop.StringExact("mic-2") {
		t.Errorf("expected device mic-2, got %v", tc.DeviceID)
	}
}

func TestCapture_AnyDeviceWhenUnset(t *testing.T) {
	var got mediadevices.MediaStreamConstraints
	c := NewCapturer()
	c.getUserMedia = func(cs mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		got = cs
		return nil, errors.New("no camera")
	}

	_, _ = c.Capture(context.Background(), domain.MediaIntent{
		Audio: domain.Constraint{Enabled: true},
		Video: domain.Constraint{Enabled: true},
	})

	var tc mediadevices.MediaTrackConstraints
	got.Video(&tc)
	if tc.DeviceID != nil {
		t.Errorf("expected no device constraint, got %v", tc.DeviceID)
	}
}

func TestCapture_CancelledContext(t *testing.T) {
	c := NewCapturer()
	c.getUserMedia = func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		t.Error("getUserMedia must not run")
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Capture(ctx, domain.MediaIntent{Audio: domain.Constraint{Enabled: true}}); err == nil {
		t.Error("expected error")
	}
}
