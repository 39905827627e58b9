package source

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xaionaro-go/asyncdecoder"
)

type Chunk struct {
	Data []byte
	PTS  time.Duration
}

// Memory is a SampleSource serving a fixed list of chunks.
type Memory struct {
	locker   sync.Mutex
	Chunks   []Chunk
	next     int
	isClosed bool
}

var _ asyncdecoder.SampleSource = (*Memory)(nil)

func NewMemory(chunks ...Chunk) *Memory {
	return &Memory{
		Chunks: chunks,
	}
}

func (m *Memory) ReadNext(
	_ context.Context,
	buf []byte,
) (int, time.Duration, bool, error) {
	m.locker.Lock()
	defer m.locker.Unlock()

	if m.isClosed {
		return -1, 0, false, io.ErrClosedPipe
	}
	if m.next >= len(m.Chunks) {
		return -1, 0, false, nil
	}

	chunk := m.Chunks[m.next]
	if len(chunk.Data) > len(buf) {
		return -1, 0, false, fmt.Errorf("chunk #%d is %d bytes, but the buffer capacity is %d", m.next, len(chunk.Data), len(buf))
	}
	n := copy(buf, chunk.Data)
	m.next++
	return n, chunk.PTS, m.next < len(m.Chunks), nil
}

func (m *Memory) IsClosed() bool {
	m.locker.Lock()
	defer m.locker.Unlock()
	return m.isClosed
}

func (m *Memory) Close() error {
	m.locker.Lock()
	defer m.locker.Unlock()
	if m.isClosed {
		return io.ErrClosedPipe
	}
	m.isClosed = true
	return nil
}
