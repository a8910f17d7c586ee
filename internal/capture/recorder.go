package capture

import (
	"context"
	"sync"

	"github.com/shineum/contact-relay/internal/email"
)

// Recorder is a sink that keeps every message in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []*email.Email
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records msg. It fails only when ctx has already ended.
func (r *Recorder) Send(ctx context.Context, msg *email.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Name returns the sink name.
func (r *Recorder) Name() string {
	return "recorder"
}

// Messages returns a snapshot of the recorded messages in arrival order.
func (r *Recorder) Messages() []*email.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*email.Email(nil), r.messages...)
}

// Len returns the number of recorded messages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Reset drops all recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
