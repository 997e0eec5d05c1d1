package modbus

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	gridx "github.com/grid-x/modbus"
)

// handler is the part of the grid-x TCP and RTU client handlers that gridxConn needs.
type handler interface {
	gridx.ClientHandler
	Connect() error
	Close() error
}

// gridxConn is a Conn backed by the grid-x modbus library.
// The unit id is set on the handler before each call, so one gridxConn serves every device on the link.
type gridxConn struct {
	handler handler
	client  gridx.Client
	setUnit func(uint8)
	retries int
	logger  *slog.Logger
}

// Dial returns a Conn for the link using grid-x Modbus TCP or RTU framing. No I/O happens until Connect.
func Dial(config LinkConfig) (Conn, error) {
	conn := &gridxConn{
		retries: config.retries(),
		logger:  slog.Default().With("link_id", string(config.ID())),
	}

	switch config.Type {
	case LinkTypeTCP:
		if config.Host == "" {
			return nil, fmt.Errorf("create tcp handler: no host")
		}
		h := gridx.NewTCPClientHandler(string(config.ID()))
		h.Timeout = config.timeout()
		conn.handler = h
		conn.setUnit = func(unit uint8) { h.SlaveID = unit }
	case LinkTypeSerial:
		if config.SerialPort == "" {
			return nil, fmt.Errorf("create rtu handler: no serial port")
		}
		h := gridx.NewRTUClientHandler(config.SerialPort)
		h.BaudRate = config.BaudRate
		h.DataBits = config.DataBits
		h.Parity = config.Parity
		h.StopBits = config.StopBits
		h.Timeout = config.timeout()
		conn.handler = h
		conn.setUnit = func(unit uint8) { h.SlaveID = unit }
	default:
		return nil, fmt.Errorf("unknown link type %q", config.Type)
	}

	conn.client = gridx.NewClient(conn.handler)
	return conn, nil
}

func (c *gridxConn) Connect() error {
	if err := c.handler.Connect(); err != nil {
		return fmt.Errorf("connect modbus handler: %w", err)
	}
	return nil
}

func (c *gridxConn) Close() error {
	return c.handler.Close()
}

// do runs the call, retrying on failures that are not exception responses. The handler is closed between attempts so
// that grid-x opens a fresh connection for the next one.
func (c *gridxConn) do(unit uint8, call func() ([]byte, error)) ([]byte, error) {
	c.setUnit(unit)

	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		var results []byte
		results, err = call()
		if err == nil || IsExceptionResponse(err) {
			return results, err
		}
		c.logger.Debug("Modbus call failed", "attempt", attempt+1, "error", err)
		// the next attempt reconnects whether or not the close succeeded
		if closeErr := c.handler.Close(); closeErr != nil {
			c.logger.Debug("Failed to close modbus handler", "error", closeErr)
		}
	}
	return nil, err
}

func (c *gridxConn) ReadInputRegisters(unit uint8, address, quantity uint16) ([]uint16, error) {
	results, err := c.do(unit, func() ([]byte, error) {
		return c.client.ReadInputRegisters(address, quantity)
	})
	if err != nil {
		return nil, err
	}
	return bytesToWords(results), nil
}

func (c *gridxConn) ReadHoldingRegisters(unit uint8, address, quantity uint16) ([]uint16, error) {
	results, err := c.do(unit, func() ([]byte, error) {
		return c.client.ReadHoldingRegisters(address, quantity)
	})
	if err != nil {
		return nil, err
	}
	return bytesToWords(results), nil
}

// WriteSingleRegister returns the value echoed in the response.
func (c *gridxConn) WriteSingleRegister(unit uint8, address, value uint16) ([]uint16, error) {
	results, err := c.do(unit, func() ([]byte, error) {
		return c.client.WriteSingleRegister(address, value)
	})
	if err != nil {
		return nil, err
	}
	return bytesToWords(results), nil
}

// WriteMultipleRegisters returns nil: the response to function code 16 carries the quantity written, not the values.
func (c *gridxConn) WriteMultipleRegisters(unit uint8, address uint16, values []uint16) ([]uint16, error) {
	_, err := c.do(unit, func() ([]byte, error) {
		return c.client.WriteMultipleRegisters(address, uint16(len(values)), wordsToBytes(values))
	})
	return nil, err
}

func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return words
}

func wordsToBytes(words []uint16) []byte {
	b := make([]byte, 2*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint16(b[2*i:], w)
	}
	return b
}
