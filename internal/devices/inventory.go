// Package devices lists capture and output devices and remembers the last
// device chosen in each category.
package devices

import (
	"context"
	"fmt"
	"sync"

	"p2pcall/native/internal/domain"

	"github.com/pion/mediadevices"
	"github.com/rs/zerolog/log"
)

// defaultDeviceID is preferred when nothing has been chosen yet.
const defaultDeviceID = "default"

// Memory holds the last selected device id per category.
type Memory struct {
	mu  sync.Mutex
	ids map[domain.DeviceCategory]string
}

// NewMemory returns an empty selection memory.
func NewMemory() *Memory {
	return &Memory{ids: make(map[domain.DeviceCategory]string)}
}

// Get returns the remembered id for cat, or "".
func (m *Memory) Get(cat domain.DeviceCategory) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[cat]
}

// Set remembers id for cat and reports whether it differs from before.
func (m *Memory) Set(cat domain.DeviceCategory, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.ids[cat] != id
	m.ids[cat] = id
	return changed
}

// Switcher moves the live call to another capture device.
type Switcher interface {
	SwitchDevice(ctx context.Context, cat domain.DeviceCategory, deviceID string) error
}

// SinkSelector routes remote audio to an output device.
type SinkSelector interface {
	SetSinkID(ctx context.Context, deviceID string) error
}

// Device is one selectable entry.
type Device struct {
	ID    string
	Label string

	switchTo func(ctx context.Context) error
}

// SwitchTo makes this device the active one for its category.
func (d Device) SwitchTo(ctx context.Context) error {
	return d.switchTo(ctx)
}

// List is the result of Inventory.List.
type List struct {
	Cameras     []Device
	Microphones []Device
	Speakers    []Device
}

// Inventory enumerates devices through pion/mediadevices.
type Inventory struct {
	enumerate func() []mediadevices.MediaDeviceInfo
	memory    *Memory
	sink      SinkSelector

	mu       sync.RWMutex
	switcher Switcher
}

// Option configures an Inventory.
type Option func(*Inventory)

// WithEnumerator replaces mediadevices.EnumerateDevices.
func WithEnumerator(fn func() []mediadevices.MediaDeviceInfo) Option {
	return func(inv *Inventory) { inv.enumerate = fn }
}

// WithSinkSelector enables the speaker category.
func WithSinkSelector(s SinkSelector) Option {
	return func(inv *Inventory) { inv.sink = s }
}

// NewInventory creates an Inventory backed by memory.
func NewInventory(memory *Memory, opts ...Option) *Inventory {
	inv := &Inventory{
		enumerate: mediadevices.EnumerateDevices,
		memory:    memory,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// SetSwitcher injects the call switcher after construction, since the call
// machine itself depends on the inventory.
func (inv *Inventory) SetSwitcher(s Switcher) {
	inv.mu.Lock()
	inv.switcher = s
	inv.mu.Unlock()
}

// Memory returns the selection memory.
func (inv *Inventory) Memory() *Memory {
	return inv.memory
}

// Counts reports the number of cameras and microphones.
func (inv *Inventory) Counts(_ context.Context) (cameras, microphones int) {
	for _, d := range inv.enumerate() {
		switch d.Kind {
		case mediadevices.VideoInput:
			cameras++
		case mediadevices.AudioInput:
			microphones++
		}
	}
	return cameras, microphones
}

// List returns the devices per category. The remembered device of each
// category comes first. Speakers are only listed when output selection is
// supported.
func (inv *Inventory) List(_ context.Context) List {
	all := inv.enumerate()

	list := List{
		Cameras:     inv.filter(all, mediadevices.VideoInput, domain.CategoryCamera, "Camera"),
		Microphones: inv.filter(all, mediadevices.AudioInput, domain.CategoryMicrophone, "Microphone"),
	}
	if inv.sink != nil {
		list.Speakers = inv.filter(all, mediadevices.AudioOutput, domain.CategorySpeaker, "Speaker")
	}
	return list
}

func (inv *Inventory) filter(
	all []mediadevices.MediaDeviceInfo,
	kind mediadevices.MediaDeviceType,
	cat domain.DeviceCategory,
	kindName string,
) []Device {
	var matching []mediadevices.MediaDeviceInfo
	for _, d := range all {
		if d.Kind == kind {
			matching = append(matching, d)
		}
	}

	last := inv.memory.Get(cat)
	if last == "" {
		last = defaultDeviceID
	}
	for i, d := range matching {
		if d.DeviceID == last {
			ordered := make([]mediadevices.MediaDeviceInfo, 0, len(matching))
			ordered = append(ordered, d)
			ordered = append(ordered, matching[:i]...)
			ordered = append(ordered, matching[i+1:]...)
			matching = ordered
			break
		}
	}

	out := make([]Device, 0, len(matching))
	for i, d := range matching {
		label := d.Label
		if label == "" {
			label = fmt.Sprintf("%s %d", kindName, i+1)
		}
		id := d.DeviceID
		out = append(out, Device{
			ID:       id,
			Label:    label,
			switchTo: func(ctx context.Context) error { return inv.switchTo(ctx, cat, id) },
		})
	}
	return out
}

func (inv *Inventory) switchTo(ctx context.Context, cat domain.DeviceCategory, id string) error {
	if cat == domain.CategorySpeaker {
		if err := inv.sink.SetSinkID(ctx, id); err != nil {
			return fmt.Errorf("switch speaker: %w", err)
		}
		inv.memory.Set(cat, id)
		log.Info().Str("module", "devices").Str("device", id).Msg("speaker switched")
		return nil
	}

	inv.mu.RLock()
	s := inv.switcher
	inv.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("switch %s: no active call", cat)
	}
	return s.SwitchDevice(ctx, cat, id)
}
