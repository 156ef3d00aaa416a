package gotpm

import (
	"encoding/binary"
	"errors"
	"sync"
)

var (
	ErrMockNoMoreResponses = errors.New("mock: no more responses available")
	ErrMockTransportClosed = errors.New("mock: transport closed")
)

// MockTPMTransport replays canned TPM responses and records every command
// it receives.
type MockTPMTransport struct {
	mu        sync.Mutex
	responses [][]byte
	errors    []error
	idx       int
	commands  [][]byte
	closed    bool
}

func NewMockTPMTransport(responses ...[]byte) *MockTPMTransport {
	return &MockTPMTransport{
		responses: responses,
		errors:    make([]error, len(responses)),
	}
}

// Send implements transport.TPM
func (m *MockTPMTransport) Send(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrMockTransportClosed
	}
	m.commands = append(m.commands, append([]byte(nil), cmd...))
	if m.idx >= len(m.responses) {
		return nil, ErrMockNoMoreResponses
	}
	resp, err := m.responses[m.idx], m.errors[m.idx]
	m.idx++
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *MockTPMTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// AddResponse queues a response or, when err is set, a transport failure
func (m *MockTPMTransport) AddResponse(resp []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errors = append(m.errors, err)
}

func (m *MockTPMTransport) GetCommands() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commands
}

func (m *MockTPMTransport) CommandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

func (m *MockTPMTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockErrorTransport always returns errors
type MockErrorTransport struct {
	err error
}

func (m *MockErrorTransport) Send(cmd []byte) ([]byte, error) {
	return nil, m.err
}

// response builds a session-less TPM response with the given code and
// parameter area.
func response(code uint32, params ...byte) []byte {
	b := binary.BigEndian.AppendUint16(nil, 0x8001)
	b = binary.BigEndian.AppendUint32(b, uint32(10+len(params)))
	b = binary.BigEndian.AppendUint32(b, code)
	return append(b, params...)
}

// commandCode extracts the command code of a recorded command.
func commandCode(cmd []byte) uint32 {
	if len(cmd) < 10 {
		return 0
	}
	return binary.BigEndian.Uint32(cmd[6:10])
}
