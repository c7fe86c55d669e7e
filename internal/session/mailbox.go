package session

import (
	"context"
	"sync"
)

// mailbox runs queued functions for one instance on a single goroutine, in
// submission order.
type mailbox struct {
	ch       chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newMailbox(size int) *mailbox {
	if size <= 0 {
		size = 64
	}
	return &mailbox{
		ch:   make(chan func(), size),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (mb *mailbox) run(onPanic func(r any)) {
	defer close(mb.done)
	for {
		select {
		case <-mb.quit:
			return
		case fn := <-mb.ch:
			mb.call(fn, onPanic)
		}
	}
}

func (mb *mailbox) call(fn func(), onPanic func(r any)) {
	defer func() {
		if r := recover(); r != nil {
			onPanic(r)
		}
	}()
	fn()
}

// submit blocks until fn is queued, ctx ends or the mailbox stops.
func (mb *mailbox) submit(ctx context.Context, fn func()) error {
	select {
	case <-mb.quit:
		return ErrNotFound
	default:
	}
	select {
	case mb.ch <- fn:
		return nil
	case <-mb.quit:
		return ErrNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop makes the worker exit after the function it is running. Queued
// functions are discarded.
func (mb *mailbox) stop() {
	mb.stopOnce.Do(func() { close(mb.quit) })
}
