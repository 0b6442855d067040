// Package transport reads the transmitter byte stream from a serial port
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is used when no rate is configured
	DefaultBaudRate = 115200
	// ChunkSize is the read buffer size; a full packet spans several chunks
	ChunkSize = 256

	readTimeout = 2 * time.Second
)

// ErrClosed is returned when writing to a closed port
var ErrClosed = errors.New("serial port closed")

// Serial is a byte transport over a UART or USB serial adapter
type Serial struct {
	mu   sync.Mutex
	port serial.Port
	path string
}

// Open opens path at baud with 8N1 framing
func Open(path string, baud int) (*Serial, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set timeout: %w", err)
	}

	log.WithFields(log.Fields{"port": path, "baud": baud}).Info("Opened serial port")
	return &Serial{port: port, path: path}, nil
}

// Ports lists the serial ports present on the system
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// Read reads the next bytes. A read timeout returns 0, nil.
func (s *Serial) Read(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, io.EOF
	}
	return port.Read(p)
}

// WriteCommand sends a command to the transmitter
func (s *Serial) WriteCommand(cmd []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrClosed
	}
	if _, err := s.port.Write(cmd); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Close closes the port; pending reads return an error
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Stream reads r in a goroutine and delivers each non-empty chunk on the returned channel.
// The channel is closed when r fails or ctx is cancelled. Readers that block forever
// must be closed by the caller to stop the goroutine.
func Stream(ctx context.Context, r io.Reader, size int) <-chan []byte {
	if size <= 0 {
		size = ChunkSize
	}
	out := make(chan []byte, 16)

	go func() {
		defer close(out)
		buf := make([]byte, size)
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.WithError(err).Warn("Serial read failed")
				}
				return
			}
		}
	}()

	return out
}
