package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/windlass-gitops/windlass/internal/resource"
)

// Event is one change notification for an owned live object.
type Event struct {
	Type watch.EventType
	Live resource.Live
}

// Subscription is a cancellable stream of change notifications. The channel
// closes once all underlying watches have stopped.
type Subscription struct {
	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Stop cancels the subscription and waits for the event channel to drain.
func (s *Subscription) Stop() {
	s.cancel()
	s.wg.Wait()
}

const watchRestartDelay = 2 * time.Second

// Watch fans in label-scoped watches over the given kinds. A watch the
// server closes is re-established until the subscription is stopped.
func (c *Client) Watch(ctx context.Context, appName string, gvks []schema.GroupVersionKind) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Event, 64),
		cancel: cancel,
	}
	opts := metav1.ListOptions{LabelSelector: ownedSelector(appName)}
	for _, gvk := range gvks {
		gvr := GVRFor(gvk)
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				w, err := c.dyn.Resource(gvr).Watch(ctx, opts)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn().Err(err).Str("resource", gvr.String()).Msg("watch failed, will retry")
					select {
					case <-ctx.Done():
						return
					case <-time.After(watchRestartDelay):
						continue
					}
				}
				if !pump(ctx, w, sub.events) {
					return
				}
				// Server closed the stream; reconnect.
			}
		}()
	}
	go func() {
		sub.wg.Wait()
		close(sub.events)
	}()
	return sub, nil
}

// pump forwards watch events until the stream ends. Returns false when the
// context was cancelled, true when the server closed the stream.
func pump(ctx context.Context, w watch.Interface, out chan<- Event) bool {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.ResultChan():
			if !ok {
				return true
			}
			obj, isUnstructured := ev.Object.(*unstructured.Unstructured)
			if !isUnstructured {
				continue
			}
			select {
			case <-ctx.Done():
				return false
			case out <- Event{Type: ev.Type, Live: toLive(obj)}:
			}
		}
	}
}
