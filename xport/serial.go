package xport

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jausmesh/nodemgr/wire"
)

// Serial is the fixed-peer RS-232-family transport (spec.md §4.E).
// Grounded on the teacher's direct, unconditional use of golang.org/x/sys
// for OS resource access (ios/fsutils_linux.go); no serial-port library
// appears anywhere in the example pack, so termios configuration is done
// by hand via unix.IoctlGetTermios/SetTermios, the same layer the teacher
// itself reaches through for filesystem syscalls.
type Serial struct {
	f    *os.File
	recv ReceiveFunc

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// BaudRate is one of the standard termios speed constants.
type BaudRate uint32

const (
	Baud9600   BaudRate = unix.B9600
	Baud19200  BaudRate = unix.B19200
	Baud38400  BaudRate = unix.B38400
	Baud57600  BaudRate = unix.B57600
	Baud115200 BaudRate = unix.B115200
)

// NewSerial opens devPath (e.g. "/dev/ttyUSB0"), configures it 8N1 raw at
// baud, and starts a background reader.
func NewSerial(devPath string, baud BaudRate, recv ReceiveFunc) (*Serial, error) {
	f, err := os.OpenFile(devPath, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("xport: open %s: %w", devPath, err)
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("xport: get termios %s: %w", devPath, err)
	}

	makeRaw(t)
	t.Cflag |= unix.CREAD | unix.CLOCAL
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8
	setTermiosSpeed(t, uint32(baud))

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("xport: set termios %s: %w", devPath, err)
	}

	s := &Serial{f: f, recv: recv, done: make(chan struct{})}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (s *Serial) readLoop() {
	defer s.wg.Done()
	hbuf := make([]byte, wire.HeaderSize)
	for {
		if _, err := io.ReadFull(s.f, hbuf); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			recordErr(KindSerial)
			continue
		}
		h, err := wire.DecodeHeader(hbuf)
		if err != nil {
			recordErr(KindSerial)
			s.recv(nil, wire.Header{}, KindSerial, err)
			continue
		}
		body := make([]byte, h.DataSize)
		if h.DataSize > 0 {
			if _, err := io.ReadFull(s.f, body); err != nil {
				recordErr(KindSerial)
				continue
			}
		}
		frame := wire.Frame(h, body)
		recordRecv(KindSerial, frame.Len())
		frame.ReadHeader()
		s.recv(frame, h, KindSerial, nil)
	}
}

func (s *Serial) Send(stream *wire.Stream) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.f.Write(stream.Bytes())
	if err != nil {
		return err
	}
	recordSent(KindSerial, n)
	return nil
}

func (s *Serial) Kind() Kind { return KindSerial }

func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.f.Close()
		s.wg.Wait()
	})
	return err
}
