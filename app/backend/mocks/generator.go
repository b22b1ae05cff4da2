// Package mocks provides testify mocks for backend interfaces
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Generator is a mock of backend.Generator
type Generator struct {
	mock.Mock
}

// Generate provides a mock function with given fields: ctx, prompt
func (m *Generator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	ret := m.Called(ctx, prompt)

	var r0 []byte
	if rf, ok := ret.Get(0).(func(context.Context, string) []byte); ok {
		r0 = rf(ctx, prompt)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]byte)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, prompt)
	} else {
		r1 = ret.Error(1)
	}
	return r0, r1
}

// Available provides a mock function
func (m *Generator) Available() bool {
	ret := m.Called()
	return ret.Bool(0)
}
