package fatengine

import (
	"sync"

	"go.uber.org/atomic"
)

// Progress reports the state of a long running operation like Format, Resize or Defragment.
// It may be polled from another goroutine. A nil *Progress is valid and ignores all updates.
type Progress struct {
	percent atomic.Int32
	failed  atomic.Bool

	mu      sync.Mutex
	status  string
	message string
}

// Percent returns the completion in percent, 0 to 100.
func (p *Progress) Percent() int {
	return int(p.percent.Load())
}

// Status returns a short description of the current step.
func (p *Progress) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Failed returns whether the operation failed and the error message.
func (p *Progress) Failed() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed.Load(), p.message
}

func (p *Progress) update(percent int, status string) {
	if p == nil {
		return
	}
	if percent > 100 {
		percent = 100
	}
	p.percent.Store(int32(percent))
	if status != "" {
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
	}
}

// fail records err and returns it unchanged.
func (p *Progress) fail(err error) error {
	if p == nil || err == nil {
		return err
	}
	p.mu.Lock()
	p.message = err.Error()
	p.failed.Store(true)
	p.mu.Unlock()
	return err
}
