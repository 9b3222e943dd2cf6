package mail

import (
	"context"
	"sync"
)

// FakeSender records every Message it was asked to send, for handler unit
// tests that shouldn't reach a real SendGrid account.
type FakeSender struct {
	mu   sync.Mutex
	Sent []Message
	Err  error
}

func (f *FakeSender) Send(ctx context.Context, msg Message) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, msg)
	return nil
}

func (f *FakeSender) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
