package mqtt

import "sync"

// Published is one message recorded by FakeClient.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeClient records published messages for test assertions.
// Safe for concurrent use.
type FakeClient struct {
	mu sync.Mutex

	published []Published

	// PublishError, if set, is returned by Publish instead of recording.
	PublishError error

	// Connected controls IsConnected; Publish returns ErrNotConnected when false.
	Connected bool
}

// NewFakeClient creates a connected FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{Connected: true}
}

// Publish records the message.
func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Connected {
		return ErrNotConnected
	}
	if f.PublishError != nil {
		return f.PublishError
	}
	f.published = append(f.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

// IsConnected reports whether the fake is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// SetConnected changes the connection flag.
func (f *FakeClient) SetConnected(v bool) {
	f.mu.Lock()
	f.Connected = v
	f.mu.Unlock()
}

// SetPublishError changes the error returned by Publish.
func (f *FakeClient) SetPublishError(err error) {
	f.mu.Lock()
	f.PublishError = err
	f.mu.Unlock()
}

// Messages returns a copy of everything published so far.
func (f *FakeClient) Messages() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}

// Reset clears recorded messages.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = nil
	f.PublishError = nil
}
