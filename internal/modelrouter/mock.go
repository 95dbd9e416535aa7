package modelrouter

import (
	"context"
	"sync/atomic"
)

// MockBackendClient is a deterministic, in-process BackendClient for
// tests and local development, standing in for the gateway's real
// provider adapters (openai.go, anthropic.go, etc. — out of scope
// here, see DESIGN.md). Fail, when non-nil, is returned from the
// first FailCount calls to Complete before the backend starts
// succeeding, letting tests exercise retry and failover paths
// deterministically.
type MockBackendClient struct {
	id       string
	Fail     error
	FailCount int32
	Response BackendResponse

	calls     int32
	healthErr error
}

// NewMockBackendClient returns a backend that always succeeds with
// resp until configured otherwise.
func NewMockBackendClient(id string, resp BackendResponse) *MockBackendClient {
	return &MockBackendClient{id: id, Response: resp}
}

func (m *MockBackendClient) ID() string { return m.id }

func (m *MockBackendClient) Complete(_ context.Context, _ BackendRequest) (BackendResponse, error) {
	n := atomic.AddInt32(&m.calls, 1)
	if m.Fail != nil && n <= m.FailCount {
		return BackendResponse{}, m.Fail
	}
	return m.Response, nil
}

func (m *MockBackendClient) HealthCheck(_ context.Context) error { return m.healthErr }

// SetHealthErr configures the error HealthCheck returns, for testing
// the HealthPoller's transition detection.
func (m *MockBackendClient) SetHealthErr(err error) { m.healthErr = err }

// Calls returns the number of times Complete has been invoked.
func (m *MockBackendClient) Calls() int { return int(atomic.LoadInt32(&m.calls)) }
