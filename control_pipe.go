package puma

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Single-byte commands understood by the reactor loop. Any other byte read
// from the pipe is ignored.
const (
	cmdDrain    = '*' // merge the pending queue into the watched set
	cmdCloseAll = 'c' // close every watched socket except the pipe itself
	cmdStop     = '!' // terminate the loop
)

// controlPipe is the self-wake channel other goroutines use to command the
// reactor loop. The read end is a permanent member of the watched set; the
// write end is shared by every caller of the facade.
//
// Endpoint lifecycle and writes are serialized by their own mutex, separate
// from the reactor state lock, so delivering a wake byte never contends with
// the loop holding the state lock during a sweep.
type controlPipe struct {
	mu      sync.Mutex
	readFd  int
	writeFd int
	closed  bool
}

func newControlPipe() (*controlPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("pipe2", err)
	}
	return &controlPipe{readFd: fds[0], writeFd: fds[1]}, nil
}

// signal delivers one command byte to the loop. Writes are best-effort: a
// racing shutdown may close the pipe before a queued command is flushed, in
// which case the command is silently dropped.
func (p *controlPipe) signal(cmd byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	buf := [1]byte{cmd}
	for {
		_, err := unix.Write(p.writeFd, buf[:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return
	}
}

// readCommand consumes exactly one command byte from the read end. It is only
// called by the loop goroutine after the read end polled ready.
func (p *controlPipe) readCommand() (byte, error) {
	var buf [1]byte
	for {
		n, err := unix.Read(p.readFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("read", err)
		}
		if n == 0 {
			return 0, os.ErrClosed
		}
		return buf[0], nil
	}
}

func (p *controlPipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// close shuts both ends down at most once. After it returns no goroutine may
// read from or write to the pipe.
func (p *controlPipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	closeRetry(p.writeFd)
	closeRetry(p.readFd)
}

// closeRetry retries close while it fails transiently. Only EINTR is
// considered retryable; anything else means the descriptor is gone.
func closeRetry(fd int) {
	for {
		err := unix.Close(fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Error().Msgf("got error while closing control pipe fd %d: %+v", fd, err)
		}
		return
	}
}
