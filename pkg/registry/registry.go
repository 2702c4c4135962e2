// Package registry maps telemetry topics to ordered sets of observers.
//
// Dispatch reads an immutable snapshot of the topic map without locking. Subscribe and
// Unsubscribe take a mutex, copy the map, and swap the snapshot, so a Publish that is already
// running keeps delivering to the observers it started with.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/groundsys/cmdtlm-router/pkg/errors"
	"github.com/groundsys/cmdtlm-router/pkg/message"
	"go.uber.org/zap"
)

// Observer receives telemetry for the topics it is subscribed to. Observers are compared by
// identity, so implementations should be pointers or other comparable values.
type Observer interface {
	Observe(msg *message.TelemetryMessage) error
}

// FuncObserver adapts a function to Observer. Each call to Func yields a distinct observer.
type FuncObserver struct {
	fn func(msg *message.TelemetryMessage) error
}

func Func(fn func(msg *message.TelemetryMessage) error) *FuncObserver {
	return &FuncObserver{fn: fn}
}

func (o *FuncObserver) Observe(msg *message.TelemetryMessage) error {
	return o.fn(msg)
}

type snapshot map[string][]Observer

type RegistryParams struct {
	Logger *zap.Logger

	// OnObserverFailure is called after a failing observer has been logged.
	OnObserverFailure func(err *errors.ObserverFailure)
}

type Registry struct {
	log               *zap.Logger
	onObserverFailure func(err *errors.ObserverFailure)

	mut_topics sync.Mutex
	topics     atomic.Pointer[snapshot]
}

func CreateRegistry(params RegistryParams) *Registry {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	r := &Registry{
		log:               logger.With(zap.String("handler", "SubscriptionRegistry")),
		onObserverFailure: params.OnObserverFailure,
	}
	empty := snapshot{}
	r.topics.Store(&empty)
	return r
}

func (r *Registry) load() snapshot {
	return *r.topics.Load()
}

// Subscribe registers observer for topic. Subscribing the same observer to the same topic again
// has no effect.
func (r *Registry) Subscribe(topic string, observer Observer) {
	r.mut_topics.Lock()
	defer r.mut_topics.Unlock()

	current := r.load()
	for _, existing := range current[topic] {
		if existing == observer {
			return
		}
	}

	next := make(snapshot, len(current)+1)
	for t, observers := range current {
		next[t] = observers
	}
	observers := make([]Observer, len(current[topic]), len(current[topic])+1)
	copy(observers, current[topic])
	next[topic] = append(observers, observer)

	r.topics.Store(&next)
	r.log.Debug("Observer subscribed", zap.String("topic", topic), zap.Int("observers", len(next[topic])))
}

// Unsubscribe removes observer from topic. Removing an observer that is not subscribed is a no-op.
func (r *Registry) Unsubscribe(topic string, observer Observer) {
	r.mut_topics.Lock()
	defer r.mut_topics.Unlock()

	current := r.load()
	idx := -1
	for i, existing := range current[topic] {
		if existing == observer {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	next := make(snapshot, len(current))
	for t, observers := range current {
		next[t] = observers
	}
	remaining := make([]Observer, 0, len(current[topic])-1)
	remaining = append(remaining, current[topic][:idx]...)
	remaining = append(remaining, current[topic][idx+1:]...)
	if len(remaining) == 0 {
		delete(next, topic)
	} else {
		next[topic] = remaining
	}

	r.topics.Store(&next)
	r.log.Debug("Observer unsubscribed", zap.String("topic", topic), zap.Int("observers", len(remaining)))
}

// UnsubscribeAll removes observer from every topic it is subscribed to.
func (r *Registry) UnsubscribeAll(observer Observer) {
	for _, topic := range r.Topics() {
		r.Unsubscribe(topic, observer)
	}
}

// Publish delivers msg to the observers of topic in registration order, on the calling goroutine.
// A failing or panicking observer is logged and skipped. It returns how many observers
// completed without error.
func (r *Registry) Publish(topic string, msg *message.TelemetryMessage) int {
	observers := r.load()[topic]

	delivered := 0
	for _, observer := range observers {
		if err := r.deliver(topic, observer, msg); err != nil {
			r.log.Warn("Observer failed, continuing with remaining observers", zap.Error(err))
			if r.onObserverFailure != nil {
				r.onObserverFailure(err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) deliver(topic string, observer Observer, msg *message.TelemetryMessage) (failure *errors.ObserverFailure) {
	defer func() {
		if rec := recover(); rec != nil {
			failure = &errors.ObserverFailure{
				Topic:    topic,
				Observer: fmt.Sprintf("%T", observer),
				Err:      fmt.Errorf("panic: %v", rec),
			}
		}
	}()

	if err := observer.Observe(msg); err != nil {
		return &errors.ObserverFailure{
			Topic:    topic,
			Observer: fmt.Sprintf("%T", observer),
			Err:      err,
		}
	}
	return nil
}

// Topics returns the topics that currently have at least one observer, sorted.
func (r *Registry) Topics() []string {
	current := r.load()
	topics := make([]string, 0, len(current))
	for topic := range current {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (r *Registry) Count(topic string) int {
	return len(r.load()[topic])
}
