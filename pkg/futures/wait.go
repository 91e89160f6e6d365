package futures

import (
	"context"
	"sync"
)

// Wait blocks until every future in fs is terminal or ctx is done and
// returns the partition into terminal and non-terminal futures. A nil
// context waits indefinitely. Safe to call while workers are still
// resolving futures.
func Wait(ctx context.Context, fs []*Future) (done, notDone []*Future) {
	if ctx == nil {
		ctx = context.Background()
	}
	for i, f := range fs {
		select {
		case <-f.DoneChan():
			done = append(done, f)
		case <-ctx.Done():
			for _, g := range fs[i:] {
				if g.Done() {
					done = append(done, g)
				} else {
					notDone = append(notDone, g)
				}
			}
			return done, notDone
		}
	}
	return done, notDone
}

// AsCompleted returns a channel that yields each future in fs exactly
// once, the moment it becomes terminal, in completion order. The channel
// is closed once all futures have been yielded or ctx is done. A nil
// context never expires.
func AsCompleted(ctx context.Context, fs []*Future) <-chan *Future {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan *Future)
	var wg sync.WaitGroup
	for _, f := range fs {
		wg.Go(func() {
			select {
			case <-f.DoneChan():
			case <-ctx.Done():
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
			}
		})
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
