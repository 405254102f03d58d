package sim

import (
	"context"
	"errors"
	"sync"
)

var errLoopClosed = errors.New("sim: event loop closed")

// loop runs posted functions one at a time on a single goroutine. Device,
// session and per-frame callbacks all go through the same loop so they are
// serial relative to each other.
type loop struct {
	ch     chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newLoop(buffer int) *loop {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{ch: make(chan func(), buffer), ctx: ctx, cancel: cancel}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *loop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.ch:
			if fn != nil {
				fn()
			}
		}
	}
}

// post schedules fn. It blocks while the buffer is full and fails once the
// loop is closed.
func (l *loop) post(fn func()) error {
	select {
	case <-l.ctx.Done():
		return errLoopClosed
	default:
	}
	select {
	case l.ch <- fn:
		return nil
	case <-l.ctx.Done():
		return errLoopClosed
	}
}

func (l *loop) close() {
	l.cancel()
	l.wg.Wait()
}
