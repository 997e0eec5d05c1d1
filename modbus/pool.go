package modbus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Pool hands out one Link per physical transport and reference counts its users. The link is closed when the last
// user releases it.
type Pool struct {
	dial DialFunc

	mu      sync.Mutex
	entries map[LinkID]*poolEntry
	logger  *slog.Logger
}

type poolEntry struct {
	link *Link
	refs int
}

// NewPool returns an empty Pool that creates connections with dial, or with the grid-x Dial if dial is nil.
func NewPool(dial DialFunc) *Pool {
	if dial == nil {
		dial = Dial
	}
	return &Pool{
		dial:    dial,
		entries: make(map[LinkID]*poolEntry),
		logger:  slog.Default(),
	}
}

// AcquireTCP returns the link to host:port, creating it on first use.
func (p *Pool) AcquireTCP(host string, port int) (*Link, error) {
	return p.Acquire(TCPLink(host, port))
}

// AcquireSerial returns the link on the serial device, creating it on first use.
func (p *Pool) AcquireSerial(path string, baudRate, dataBits int, parity string, stopBits int) (*Link, error) {
	return p.Acquire(SerialLink(path, baudRate, dataBits, parity, stopBits))
}

// Acquire returns the link for the config, creating it on first use, and takes a reference on it.
// If the link already exists, its original config is kept.
func (p *Pool) Acquire(config LinkConfig) (*Link, error) {
	id := config.ID()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[id]; ok {
		if entry.link.config.Type != config.Type || entry.link.config.BaudRate != config.BaudRate {
			p.logger.Warn("Link already open with different settings", "link_id", string(id))
		}
		entry.refs++
		return entry.link, nil
	}

	conn, err := p.dial(config)
	if err != nil {
		return nil, fmt.Errorf("create link %s: %w", id, err)
	}

	link := newLink(config, conn)
	p.entries[id] = &poolEntry{link: link, refs: 1}
	p.logger.Info("Created modbus link", "link_id", string(id))
	return link, nil
}

// LockFor returns the lock held around every transport call on the link, or false if the link is not open.
func (p *Pool) LockFor(id LinkID) (sync.Locker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return entry.link.Locker(), true
}

// Refs returns the number of references held on the link.
func (p *Pool) Refs(id LinkID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[id]; ok {
		return entry.refs
	}
	return 0
}

// Release drops a reference on the link. When the last reference is dropped the link is removed from the pool and
// closed once any call in progress has finished. Releasing a link that is not open does nothing.
func (p *Pool) Release(id LinkID) {
	p.mu.Lock()
	entry, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, id)
	p.mu.Unlock()

	if err := entry.link.close(); err != nil {
		p.logger.Warn("Failed to close modbus link", "link_id", string(id), "error", err)
		return
	}
	p.logger.Info("Closed modbus link", "link_id", string(id))
}
