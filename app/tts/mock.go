package tts

import (
	"context"
	"fmt"
	"sync"
)

// Mock 用于测试的服务商，可以按调用次序注入错误
type Mock struct {
	NameValue string

	mu       sync.Mutex
	calls    []Request
	failures []error
	FailText map[string]error // 特定文本总是失败
}

func NewMock(name string) *Mock {
	return &Mock{NameValue: name, FailText: map[string]error{}}
}

func (m *Mock) Name() string {
	return m.NameValue
}

// FailNext 让接下来的调用依次返回给定错误
func (m *Mock) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Calls 返回已收到的请求
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if err, ok := m.FailText[req.Text]; ok {
		return nil, err
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Result{
		Audio:  []byte(fmt.Sprintf("[%s:%s:%s]", m.NameValue, req.Language, req.Text)),
		Format: "mp3",
	}, nil
}
