// Package notifier implements the in-process pub/sub bus described in
// spec §4.D: the Association Handler publishes one event per stored
// instance, and the Grouping Engine is the one subscriber that matters.
package notifier

import (
	"context"
	"log/slog"

	"github.com/clarapipe/dicom-adapter/model"
)

// Observer receives stored-instance events. Observers are expected to
// return quickly — anything that needs real I/O should hand the event to
// its own queue and return, per spec §4.D / §9.
type Observer interface {
	OnInstance(ctx context.Context, inst model.Instance)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, inst model.Instance)

func (f ObserverFunc) OnInstance(ctx context.Context, inst model.Instance) { f(ctx, inst) }

// Bus delivers each Publish call synchronously to every subscribed Observer,
// in subscription order, on the publisher's own goroutine. A panicking
// observer is isolated: logged and skipped, never propagated to the
// publisher or to the remaining observers.
type Bus struct {
	logger    *slog.Logger
	observers []Observer
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers observer. Per spec §4.D, subscription happens once at
// startup — Bus has no Unsubscribe.
func (b *Bus) Subscribe(observer Observer) {
	b.observers = append(b.observers, observer)
}

// Publish delivers inst to every observer in subscription order. It never
// returns an error: a failing observer is logged and isolated, matching
// spec §4.C's "Notifier publish failures are logged but do not fail the
// store."
func (b *Bus) Publish(ctx context.Context, inst model.Instance) {
	for _, obs := range b.observers {
		b.deliver(ctx, obs, inst)
	}
}

func (b *Bus) deliver(ctx context.Context, obs Observer, inst model.Instance) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notifier observer panicked",
				"panic", r,
				"sop_instance_uid", inst.SOPInstanceUID)
		}
	}()
	obs.OnInstance(ctx, inst)
}
