package crlcache

import (
	"context"
	"sync"
)

// Request is one unit of work for the Worker: an ordered set of chain
// reconstructions and a one-shot reply channel, consumed exactly once.
type Request struct {
	Chains [][][]byte
	Reply  chan error
}

// Worker serializes chain validations on a single long-lived goroutine.
// It lets call sites that are not structured around goroutines perform a
// revocation check without spawning per-call machinery: exactly one
// validation is in flight at a time. The request channel is unbuffered;
// since every caller blocks on its reply anyway, waiting callers queue as
// blocked senders and no buffering is needed.
// Callers needing concurrency use Validator directly instead.
type Worker struct {
	validator *Validator
	requests  chan Request
}

// NewWorker starts the consuming goroutine. The worker lives for the
// rest of the process; there is no teardown.
func NewWorker(validator *Validator) *Worker {
	w := &Worker{
		validator: validator,
		requests:  make(chan Request),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	for req := range w.requests {
		req.Reply <- w.validator.ValidateChains(context.Background(), req.Chains)
	}
}

// Validate blocks until the worker has checked the chains and replies.
func (w *Worker) Validate(chains [][][]byte) error {
	reply := make(chan error, 1)
	w.requests <- Request{Chains: chains, Reply: reply}
	return <-reply
}

var (
	defaultWorkerOnce sync.Once
	defaultWorker     *Worker
)

// DefaultWorker returns the process-wide worker, constructing it from the
// given validator on first use. Later calls return the same worker and
// ignore their argument; callers that need distinct policies should use
// NewWorker.
func DefaultWorker(validator *Validator) *Worker {
	defaultWorkerOnce.Do(func() {
		defaultWorker = NewWorker(validator)
	})
	return defaultWorker
}
