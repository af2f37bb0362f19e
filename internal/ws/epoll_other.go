//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable fallback: each connection is offered to the worker
// pool again as soon as the previous read finished, and the worker blocks
// in the read. Nothing is consumed from the socket here.
type Epoll struct {
	mu      sync.Mutex
	acks    map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		acks:    make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts offering conn.
func (e *Epoll) Add(conn net.Conn) error {
	ack := make(chan struct{}, 1)
	e.mu.Lock()
	e.acks[conn] = ack
	e.mu.Unlock()

	go e.offer(conn, ack)
	return nil
}

func (e *Epoll) offer(conn net.Conn, ack chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-ack:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Ack tells the fallback the worker finished with conn.
func (e *Epoll) Ack(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ack, ok := e.acks[conn]; ok {
		select {
		case ack <- struct{}{}:
		default:
		}
	}
}

// Remove stops offering conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	if ack, ok := e.acks[conn]; ok {
		delete(e.acks, conn)
		close(ack)
	}
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is offered and drains the rest.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
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

// Close stops all offers.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
