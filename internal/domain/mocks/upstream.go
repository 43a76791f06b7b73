// Package mocks provides testify mocks for the domain ports.
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

// MockUpstream is a mock implementation of domain.Upstream.
type MockUpstream struct {
	mock.Mock
}

// Complete provides a mock function with given fields: ctx, credential, req
func (m *MockUpstream) Complete(ctx domain.Context, credential string, req domain.UpstreamRequest) domain.CallResult {
	ret := m.Called(ctx, credential, req)
	if fn, ok := ret.Get(0).(func(domain.Context, string, domain.UpstreamRequest) domain.CallResult); ok {
		return fn(ctx, credential, req)
	}
	return ret.Get(0).(domain.CallResult)
}

var _ domain.Upstream = (*MockUpstream)(nil)
