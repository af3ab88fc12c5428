package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.bug.st/serial"

	"github.com/banshee-data/motorscan/internal/monitoring"
)

// Port is the minimal interface needed for a controller connection.
type Port interface {
	io.ReadWriteCloser
}

// timeoutPort is implemented by ports that support read deadlines.
type timeoutPort interface {
	SetReadTimeout(t time.Duration) error
}

// Opener opens a port at path with the given mode.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerialPort opens a real serial port with go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// OpenRetryTimeout bounds how long OpenSerial keeps retrying a port that
// fails to open.
var OpenRetryTimeout = 3 * time.Second

// Serial speaks a line protocol with a motion/measurement controller:
//
//	GET <name>          -> <value>
//	SET <name> <value>  -> OK
//
// Either command may be answered with "ERR <message>". One command is in
// flight at a time.
type Serial struct {
	mu   sync.Mutex
	port Port
	r    *bufio.Reader
	log  *monitoring.Logger

	// stale is set after a timeout: a late reply may still arrive and must
	// be discarded before the next command.
	stale bool
}

// NewSerial wraps an already open port.
func NewSerial(port Port, log *monitoring.Logger) *Serial {
	return &Serial{port: port, r: bufio.NewReader(port), log: log}
}

// OpenSerial opens path with opts, retrying with exponential backoff for up
// to OpenRetryTimeout. A nil opener uses OpenSerialPort.
func OpenSerial(path string, opts PortOptions, open Opener, log *monitoring.Logger) (*Serial, error) {
	if open == nil {
		open = OpenSerialPort
	}
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	var port Port
	op := func() error {
		p, err := open(path, mode)
		if err != nil {
			log.Debugf("open %s failed: %v", path, err)
			return err
		}
		port = p
		return nil
	}
	err = backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      OpenRetryTimeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}

	if tp, ok := port.(timeoutPort); ok {
		if err := tp.SetReadTimeout(opts.Timeout()); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
		}
	}
	log.Infof("opened %s at %d baud", path, opts.BaudRate)
	return NewSerial(port, log), nil
}

// ErrTimeout is returned when the controller does not answer in time.
var ErrTimeout = errors.New("controller did not reply")

// Read queries a channel value.
func (s *Serial) Read(name string) (float64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	reply, err := s.query("GET " + name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid reply %q to GET %s: %w", reply, name, err)
	}
	return v, nil
}

// Write commands a channel value.
func (s *Serial) Write(name string, value float64) error {
	if err := checkName(name); err != nil {
		return err
	}
	reply, err := s.query("SET " + name + " " + strconv.FormatFloat(value, 'g', -1, 64))
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("unexpected reply %q to SET %s", reply, name)
	}
	return nil
}

// Close closes the underlying port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

func (s *Serial) query(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stale {
		s.discardInput()
	}
	if _, err := io.WriteString(s.port, cmd+"\n"); err != nil {
		return "", fmt.Errorf("send %q: %w", cmd, err)
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		// a port with a read timeout reports silence as empty reads
		if errors.Is(err, io.ErrNoProgress) || errors.Is(err, io.EOF) {
			s.log.Debugf("%s: no complete reply, got %q", cmd, line)
			s.r.Reset(s.port)
			s.stale = true
			return "", fmt.Errorf("%s: %w", cmd, ErrTimeout)
		}
		return "", fmt.Errorf("receive reply to %q: %w", cmd, err)
	}
	reply := strings.TrimSpace(line)
	s.log.Debugf("%s -> %s", cmd, reply)
	if msg, ok := strings.CutPrefix(reply, "ERR"); ok {
		return "", fmt.Errorf("controller rejected %q: %s", cmd, strings.TrimSpace(msg))
	}
	return reply, nil
}

// discardInput drops whatever the controller sent after the last timeout.
func (s *Serial) discardInput() {
	s.r.Reset(s.port)
	buf := make([]byte, 256)
	for i := 0; i < 64; i++ {
		n, err := s.port.Read(buf)
		if n == 0 || err != nil {
			break
		}
		s.log.Debugf("discarded %d stale bytes", n)
	}
	s.stale = false
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("invalid channel name %q", name)
	}
	return nil
}
