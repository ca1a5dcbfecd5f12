package push

import (
	"context"

	"github.com/eugenenazirov/restplate/internal/queue"
)

// Dispatcher hands notifications to the job queue so requests do not wait on
// the push service.
type Dispatcher struct {
	service Service
	queue   *queue.Queue
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(service Service, q *queue.Queue) *Dispatcher {
	return &Dispatcher{service: service, queue: q}
}

// Dispatch validates n and queues its delivery, returning the job id.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	return d.queue.Enqueue(ctx, queue.Job{
		Name: "push." + d.service.Name(),
		Run: func(ctx context.Context) error {
			return d.service.Notify(ctx, n)
		},
	})
}

// Service returns the delivery service.
func (d *Dispatcher) Service() Service { return d.service }
