package service

import (
	"context"
	"sync"
)

type outboxKey struct{}

// outbox holds notifications produced inside a transaction until it commits.
type outbox struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

func withOutbox(ctx context.Context) (context.Context, *outbox) {
	o := &outbox{}
	return context.WithValue(ctx, outboxKey{}, o), o
}

// notify queues fn on the outbox carried by ctx, or runs it immediately when
// there is none.
func notify(ctx context.Context, fn func(context.Context)) {
	if o, ok := ctx.Value(outboxKey{}).(*outbox); ok {
		o.mu.Lock()
		o.fns = append(o.fns, fn)
		o.mu.Unlock()
		return
	}
	fn(ctx)
}

func (o *outbox) flush(ctx context.Context) {
	o.mu.Lock()
	fns := o.fns
	o.fns = nil
	o.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
}
