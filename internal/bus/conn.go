package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultBaud is the factory baud rate of UDK-0410 modules.
const DefaultBaud = 38400

// Port is the serial surface the driver needs. go.bug.st/serial.Port
// satisfies it; tests substitute an in-memory fake.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// readChunkTimeout bounds a single blocking read so the read loop can notice
// shutdown without closing the port out from under an in-flight read.
const readChunkTimeout = 100 * time.Millisecond

// The RS-485 medium is single-owner at the OS level, so there is at most one
// open Bus per (port, baud). Open returns a shared handle; the physical port
// closes when the last handle is released.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*Bus)
)

func busKey(portName string, baud int) string {
	return fmt.Sprintf("%s@%d", portName, baud)
}

// Open returns the Bus for (portName, baud), opening the serial port on
// first use. Every successful Open must be paired with a Close.
func Open(portName string, baud int, logger *slog.Logger) (*Bus, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	key := busKey(portName, baud)

	registryMu.Lock()
	defer registryMu.Unlock()

	if b, ok := registry[key]; ok {
		b.refs++
		return b, nil
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("bus: open %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(readChunkTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("bus: set read timeout on %s: %w", portName, err)
	}

	b := newBus(port, portName, baud, logger)
	b.refs = 1
	registry[key] = b
	logger.Info("bus opened", "port", portName, "baud", baud)
	return b, nil
}

// Close releases one reference to the Bus. The port and both bus goroutines
// shut down when the last reference is gone.
func (b *Bus) Close() error {
	registryMu.Lock()
	b.refs--
	last := b.refs <= 0
	if last {
		delete(registry, busKey(b.portName, b.baud))
	}
	registryMu.Unlock()

	if !last {
		return nil
	}
	return b.shutdown()
}
