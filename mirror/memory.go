// mirror/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package mirror

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mmp/genbk/errs"
)

type object struct {
	data    []byte
	created time.Time
}

// Memory is a Mirror that keeps everything in RAM. It's really only
// useful for testing code that mirrors files.
type Memory struct {
	mu      sync.Mutex
	objects map[string]object
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]object)}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) Put(ctx context.Context, name, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errs.IO("read", localPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[name]; !ok {
		m.objects[name] = object{data, time.Now()}
	}
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make(map[string]time.Time)
	for name, obj := range m.objects {
		if strings.HasPrefix(name, prefix) {
			r[name] = obj.created
		}
	}
	return r, nil
}

// Get returns a copy of the named object's contents.
func (m *Memory) Get(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}
