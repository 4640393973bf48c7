package viewport

import (
	"time"

	"github.com/coachpo/mosaic/internal/coords"
)

// EventName identifies a provider event hook.
type EventName string

const (
	EventAnimationStart  EventName = "animation-start"
	EventAnimationFinish EventName = "animation-finish"
	EventZoom            EventName = "zoom"
	EventCanvasPress     EventName = "canvas-press"
	EventCanvasRelease   EventName = "canvas-release"
	EventCanvasDrag      EventName = "canvas-drag"
	EventPointerMove     EventName = "pointer-move"
	EventPointerLeave    EventName = "pointer-leave"
)

// Event is delivered by the provider to registered handlers. Position is in
// container pixels.
type Event struct {
	Name      EventName
	PointerID int
	Position  coords.Point
	Zoom      float64
	Time      time.Time
}

// HandlerID identifies a registered handler for removal.
type HandlerID uint64

// Overlay is an element placed over the image in normalized coordinates.
type Overlay interface {
	SetOpacity(opacity float64)
	Move(rect coords.NormalizedRect)
	Show()
	Hide()
	Remove()
}

// Provider is the deep-zoom viewer the adapter drives. Its rendering is opaque.
type Provider interface {
	AddHandler(name EventName, fn func(Event)) HandlerID
	RemoveHandler(id HandlerID)
	Transform() coords.Transform
	Zoom() float64
	MaxZoom() float64
	ZoomTo(zoom float64, center coords.Point)
	PanTo(center coords.Point)
	ContainerSize() (width, height float64)
	AddOverlay(rect coords.NormalizedRect) Overlay
	Overlays() []Overlay
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests inject a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
