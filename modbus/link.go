package modbus

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 5
	DefaultTCPPort = 502
)

// LinkID identifies a physical transport: "host:port" for TCP links and the device path for serial links.
type LinkID string

// LinkType selects the framing used on a link.
type LinkType string

const (
	LinkTypeTCP    LinkType = "tcp"
	LinkTypeSerial LinkType = "serial"
)

// LinkConfig holds everything needed to open a physical link.
type LinkConfig struct {
	Type LinkType

	Host string
	Port int

	SerialPort string
	BaudRate   int
	DataBits   int
	Parity     string
	StopBits   int

	Timeout time.Duration // per call, DefaultTimeout if zero
	Retries int           // extra attempts after a failed call, DefaultRetries if negative
}

// TCPLink returns the config of a Modbus TCP link.
func TCPLink(host string, port int) LinkConfig {
	return LinkConfig{Type: LinkTypeTCP, Host: host, Port: port, Timeout: DefaultTimeout, Retries: DefaultRetries}
}

// SerialLink returns the config of a Modbus RTU link.
func SerialLink(path string, baudRate, dataBits int, parity string, stopBits int) LinkConfig {
	return LinkConfig{
		Type:       LinkTypeSerial,
		SerialPort: path,
		BaudRate:   baudRate,
		DataBits:   dataBits,
		Parity:     parity,
		StopBits:   stopBits,
		Timeout:    DefaultTimeout,
		Retries:    DefaultRetries,
	}
}

// ID returns the identifier that the link is pooled under.
func (c LinkConfig) ID() LinkID {
	if c.Type == LinkTypeSerial {
		return LinkID(c.SerialPort)
	}
	return LinkID(net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
}

func (c LinkConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c LinkConfig) retries() int {
	if c.Retries < 0 {
		return DefaultRetries
	}
	return c.Retries
}

// Conn is the raw client onto a physical link. Implementations are not safe for concurrent use: every call is made
// with the owning Link's lock held.
type Conn interface {
	Connect() error
	Close() error
	ReadInputRegisters(unit uint8, address, quantity uint16) ([]uint16, error)
	ReadHoldingRegisters(unit uint8, address, quantity uint16) ([]uint16, error)
	// The write methods return the register values echoed by the device, or nil if the response carries none.
	WriteSingleRegister(unit uint8, address, value uint16) ([]uint16, error)
	WriteMultipleRegisters(unit uint8, address uint16, values []uint16) ([]uint16, error)
}

// DialFunc creates the Conn for a link. It must not block on the network: connecting happens in Conn.Connect.
type DialFunc func(LinkConfig) (Conn, error)

// Link is a pooled physical connection. Every transport call takes the link's lock, so operations from all the
// devices sharing the link never overlap.
type Link struct {
	id     LinkID
	config LinkConfig
	conn   Conn
	mu     sync.Mutex
	closed bool // set once the pool has closed the link; guarded by mu
	logger *slog.Logger
}

func newLink(config LinkConfig, conn Conn) *Link {
	return &Link{
		id:     config.ID(),
		config: config,
		conn:   conn,
		logger: slog.Default().With("link_id", string(config.ID())),
	}
}

// ID returns the identifier of the link.
func (l *Link) ID() LinkID {
	return l.id
}

// Config returns the config the link was opened with.
func (l *Link) Config() LinkConfig {
	return l.config
}

// Locker returns the lock that is held around every transport call on the link.
func (l *Link) Locker() sync.Locker {
	return &l.mu
}

// Connect opens the underlying connection if it is not already open.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &TransportError{LinkID: l.id, Op: "connect", Err: ErrLinkClosed}
	}
	if err := l.conn.Connect(); err != nil {
		return &TransportError{LinkID: l.id, Op: "connect", Err: err}
	}
	return nil
}

// ReadInputRegisters reads quantity input registers (function code 4) from the unit.
func (l *Link) ReadInputRegisters(unit uint8, address, quantity uint16) ([]uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, &TransportError{LinkID: l.id, Op: fmt.Sprintf("read input registers %d+%d", address, quantity), Err: ErrLinkClosed}
	}
	words, err := l.conn.ReadInputRegisters(unit, address, quantity)
	if err != nil {
		return nil, &TransportError{LinkID: l.id, Op: fmt.Sprintf("read input registers %d+%d", address, quantity), Err: err}
	}
	return words, nil
}

// ReadHoldingRegisters reads quantity holding registers (function code 3) from the unit.
func (l *Link) ReadHoldingRegisters(unit uint8, address, quantity uint16) ([]uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, &TransportError{LinkID: l.id, Op: fmt.Sprintf("read holding registers %d+%d", address, quantity), Err: ErrLinkClosed}
	}
	words, err := l.conn.ReadHoldingRegisters(unit, address, quantity)
	if err != nil {
		return nil, &TransportError{LinkID: l.id, Op: fmt.Sprintf("read holding registers %d+%d", address, quantity), Err: err}
	}
	return words, nil
}

// WriteSingleRegister writes one holding register (function code 6) and returns the echoed value, if any.
func (l *Link) WriteSingleRegister(unit uint8, address, value uint16) ([]uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, l.writeError(address, ErrLinkClosed)
	}
	echo, err := l.conn.WriteSingleRegister(unit, address, value)
	if err != nil {
		return nil, l.writeError(address, err)
	}
	return echo, nil
}

// WriteMultipleRegisters writes consecutive holding registers (function code 16) and returns the echoed values, if any.
func (l *Link) WriteMultipleRegisters(unit uint8, address uint16, values []uint16) ([]uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, l.writeError(address, ErrLinkClosed)
	}
	echo, err := l.conn.WriteMultipleRegisters(unit, address, values)
	if err != nil {
		return nil, l.writeError(address, err)
	}
	return echo, nil
}

func (l *Link) writeError(address uint16, err error) error {
	if exception, ok := asException(err); ok {
		return &WriteRejectedError{LinkID: l.id, Address: address, FunctionCode: exception.FunctionCode, ExceptionCode: exception.ExceptionCode, Err: err}
	}
	return &TransportError{LinkID: l.id, Op: fmt.Sprintf("write register %d", address), Err: err}
}

// close waits for any call in progress and closes the connection. Later calls fail with ErrLinkClosed.
func (l *Link) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.conn.Close()
}
