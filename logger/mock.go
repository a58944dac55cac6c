package logger

import (
	"sync/atomic"

	"github.com/stretchr/testify/mock"
)

// MockLogger is a testify mock of Logger.
//
// Only the log methods record calls. The level is plain state, and With returns
// the mock itself so child loggers record on the same mock.
type MockLogger struct {
	mock.Mock

	level atomic.Int32
}

var _ Logger = (*MockLogger)(nil)

// NewMockLogger returns a mock at DebugLevel.
func NewMockLogger() *MockLogger {
	m := &MockLogger{}
	m.level.Store(int32(DebugLevel))

	return m
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Info(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Warn(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) SetLevel(level Level) { m.level.Store(int32(level)) }

func (m *MockLogger) Level() Level { return Level(m.level.Load()) }

func (m *MockLogger) With(...any) Logger { return m }
