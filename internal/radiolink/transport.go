// Package radiolink owns the physical connection to the mesh radio: the
// transport (serial, TCP, or BLE), the shared operation lock that
// serializes commands against it, and the connection monitor that keeps
// it alive.
package radiolink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"

	"go.bug.st/serial"
)

// ErrBusy is returned by TryLock when the operation lock is already held.
var ErrBusy = errors.New("radiolink: busy")

// ErrNotConnected is returned by any transport operation attempted before
// Connect succeeds.
var ErrNotConnected = errors.New("radiolink: not connected")

// ErrBLEUnavailable is returned by the BLE transport: this build has no
// CGO BLE stack available.
var ErrBLEUnavailable = errors.New("radiolink: BLE transport not available in this build")

// Transport is a raw byte-oriented link to the radio. Frames are
// length-delimited at a higher layer (Link); Transport only moves bytes.
type Transport interface {
	io.ReadWriter
	io.Closer
	// IsConnected reports whether the underlying link looks alive.
	IsConnected() bool
}

// Config selects and configures exactly one transport.
type Config struct {
	SerialPort     string // empty => auto-detect
	SerialBaudRate int
	TCPHost        string
	TCPPort        int
	BLEAddress     string
	BLEPIN         string
}

// DefaultSerialBaudRate matches MeshCore's default companion-radio UART
// speed.
const DefaultSerialBaudRate = 115200

// AutoDetectTimeout bounds how long auto-detect waits for a single
// candidate serial port to produce any bytes.
const AutoDetectTimeout = 3 * time.Second

// Open constructs the transport selected by cfg. Exactly one of
// SerialPort/TCPHost/BLEAddress should be set by the time validation in
// internal/config has run; Open itself just dispatches.
func Open(ctx context.Context, cfg Config) (Transport, error) {
	switch {
	case cfg.BLEAddress != "":
		return nil, ErrBLEUnavailable
	case cfg.TCPHost != "":
		return openTCP(ctx, cfg.TCPHost, cfg.TCPPort)
	default:
		return openSerial(cfg.SerialPort, cfg.SerialBaudRate)
	}
}

type serialTransport struct {
	port serial.Port
}

func openSerial(port string, baud int) (Transport, error) {
	if baud == 0 {
		baud = DefaultSerialBaudRate
	}

	if port == "" {
		detected, err := autoDetectSerialPort(baud)
		if err != nil {
			return nil, err
		}
		port = detected
	}

	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("radiolink: open serial port %s: %w", port, err)
	}
	return &serialTransport{port: p}, nil
}

// autoDetectSerialPort scans platform-appropriate device globs, opening
// each in turn and returning the first that produces any bytes within
// AutoDetectTimeout (see probeSelfInfo, which sends no command).
func autoDetectSerialPort(baud int) (string, error) {
	candidates, err := candidatePorts()
	if err != nil {
		return "", err
	}

	for _, candidate := range candidates {
		p, err := serial.Open(candidate, &serial.Mode{BaudRate: baud})
		if err != nil {
			continue
		}
		ok := probeSelfInfo(p)
		p.Close()
		if ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("radiolink: no responsive serial port found among %d candidates", len(candidates))
}

var serialGlobs = []string{
	"/dev/ttyACM*",
	"/dev/ttyUSB*",
	"/dev/cu.usbmodem*",
	"/dev/cu.usbserial*",
}

func candidatePorts() ([]string, error) {
	var out []string
	for _, pattern := range serialGlobs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

// probeSelfInfo sends nothing of its own (the caller's frame protocol
// lives in Link); it just gives the port a bounded window to produce any
// bytes at all, which is enough to distinguish a MeshCore companion radio
// from an unrelated serial device during auto-detect.
func probeSelfInfo(p serial.Port) bool {
	if err := p.SetReadTimeout(AutoDetectTimeout); err != nil {
		return false
	}
	buf := make([]byte, 1)
	n, err := p.Read(buf)
	return err == nil && n > 0
}

func (t *serialTransport) Read(p []byte) (int, error)  { return t.port.Read(p) }
func (t *serialTransport) Write(p []byte) (int, error) { return t.port.Write(p) }
func (t *serialTransport) Close() error                { return t.port.Close() }
func (t *serialTransport) IsConnected() bool           { return t.port != nil }

type tcpTransport struct {
	conn net.Conn
}

func openTCP(ctx context.Context, host string, port int) (Transport, error) {
	if port == 0 {
		port = 4000
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("radiolink: dial %s: %w", addr, err)
	}
	return &tcpTransport{conn: conn}, nil
}

func (t *tcpTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *tcpTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tcpTransport) Close() error                { return t.conn.Close() }
func (t *tcpTransport) IsConnected() bool            { return t.conn != nil }

// bufferedReader wraps a Transport with buffering for frame-oriented
// reads. NewLink builds its own bufio.Reader and does not call it.
func bufferedReader(t Transport) *bufio.Reader {
	return bufio.NewReader(t)
}
