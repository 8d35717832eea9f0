package serialmux

import (
	"bytes"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/sensorfusion/internal/sensor"
)

// ReplayPort implements SerialPorter by replaying a recorded sensor log,
// pacing records by their timestamps. Commands written to the port are
// kept and can be read back with Commands.
type ReplayPort struct {
	r    *io.PipeReader
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	commands bytes.Buffer
}

// NewReplayPort starts replaying src. speed scales the recorded timing:
// 1 replays in real time, 10 ten times faster, and speed <= 0 writes the
// records as fast as the reader consumes them. Unparseable lines are
// logged and skipped. The port reports EOF after the last record. src is
// closed when the replay ends if it is an io.Closer.
func NewReplayPort(src io.Reader, speed float64) *ReplayPort {
	r, w := io.Pipe()
	p := &ReplayPort{r: r, done: make(chan struct{})}
	go p.replay(src, w, speed)
	return p
}

func (p *ReplayPort) replay(src io.Reader, w *io.PipeWriter, speed float64) {
	defer w.Close()
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	rd := sensor.NewReader(src)
	var prev int64
	first := true
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		var perr *sensor.ParseError
		if errors.As(err, &perr) {
			log.Printf("replay: skipping %v", perr)
			continue
		}
		if err != nil {
			w.CloseWithError(err)
			return
		}

		ts := rec.Measurement.Timestamp()
		if !first && speed > 0 && ts > prev {
			delay := time.Duration(float64(ts-prev) / speed * float64(time.Microsecond))
			select {
			case <-time.After(delay):
			case <-p.done:
				return
			}
		}
		first, prev = false, ts

		line, err := sensor.FormatRecord(rec)
		if err != nil {
			log.Printf("replay: skipping line %d: %v", rd.Line(), err)
			continue
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
	}
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands.Write(b)
}

// Commands returns everything written to the port so far.
func (p *ReplayPort) Commands() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands.String()
}

// Close stops the replay. Pending reads return io.ErrClosedPipe.
func (p *ReplayPort) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.r.Close()
}

// NewReplaySerialMux creates a SerialMux instance backed by a ReplayPort.
func NewReplaySerialMux(src io.Reader, speed float64) *SerialMux[*ReplayPort] {
	return NewSerialMux(NewReplayPort(src, speed))
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// ReadError and WriteError are returned once by the next call.
	ReadError  error
	WriteError error
	CloseError error

	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool

	// BlockReads makes Read wait for AddReadData or Close on an empty
	// buffer instead of returning io.EOF.
	BlockReads bool

	Closed bool
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.BlockReads {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("serial port closed")
		}
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	Port  SerialPorter
	Error error

	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
