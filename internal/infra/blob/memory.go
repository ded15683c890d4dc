package blob

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"imgate/internal/domain"
)

type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Fetch(_ context.Context, locator string) ([]byte, error) {
	if _, err := ParseLocator(locator); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[locator]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, locator)
	}
	return bytes.Clone(data), nil
}

func (m *Memory) Put(_ context.Context, _ string, data []byte) (string, error) {
	locator, err := Locator(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[locator] = bytes.Clone(data)
	return locator, nil
}
