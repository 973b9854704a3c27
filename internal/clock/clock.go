// Package clock даёт сервисам подменяемый источник текущего времени.
package clock

import (
	"sync"
	"time"
)

// Clock возвращает текущее время.
type Clock interface {
	Now() time.Time
}

// RealClock использует системное время в UTC.
type RealClock struct{}

// NewRealClock создаёт системные часы.
func NewRealClock() Clock {
	return RealClock{}
}

// Now возвращает time.Now().UTC().
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// MockClock — ручные часы для тестов. Безопасны для конкурентного использования.
type MockClock struct {
	mu          sync.Mutex
	currentTime time.Time
}

// NewMockClock создаёт часы, остановленные на t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{currentTime: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTime
}

func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.currentTime = t
	c.mu.Unlock()
}

func (c *MockClock) Add(d time.Duration) {
	c.mu.Lock()
	c.currentTime = c.currentTime.Add(d)
	c.mu.Unlock()
}
