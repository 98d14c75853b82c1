package puma

import (
	"math"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const defEventsBufferSize = 64

const (
	readEvents       = unix.EPOLLPRI | unix.EPOLLIN
	errorEvents      = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
	readErrorsEvents = readEvents | errorEvents
)

type poller struct {
	eventBufferSize int
	fd              int
	events          []unix.EpollEvent
}

func openPoller(eventsBufferSize int) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	bufferSize := int(math.Max(float64(eventsBufferSize), defEventsBufferSize))
	return &poller{
		eventBufferSize: bufferSize,
		fd:              fd,
		events:          make([]unix.EpollEvent, bufferSize),
	}, nil
}

func (p *poller) close() {
	err := os.NewSyscallError("close", unix.Close(p.fd))
	if err != nil {
		log.Error().Msgf("got error while closing epoll: %+v", err)
	}
}

// wait blocks up to msec milliseconds and returns the descriptors reported
// ready. A nil slice with nil error means the wait was interrupted or timed
// out and the caller should recompute its interval and poll again.
func (p *poller) wait(msec int) ([]int, error) {
	evCount, err := epollWait(p.fd, p.events, msec)
	if evCount < 0 {
		if err == unix.EINTR {
			runtime.Gosched()
			return nil, nil
		}
		return nil, os.NewSyscallError("epoll_pwait", err)
	}
	if evCount == 0 {
		return nil, nil
	}
	ready := make([]int, 0, evCount)
	for i := 0; i < evCount; i++ {
		ready = append(ready, int(p.events[i].Fd))
	}
	return ready, nil
}

func (p *poller) addReadErrors(fd int) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("add read|errors epoll for fd: %d", fd)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readErrorsEvents})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (p *poller) delete(fd int) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("delete epoll for fd: %d", fd)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func epollWait(epollFd int, events []unix.EpollEvent, msec int) (count int, err error) {
	var eventCount uintptr
	var eventsPointer = unsafe.Pointer(&events[0])
	if msec == 0 {
		eventCount, _, err = syscall.RawSyscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epollFd), uintptr(eventsPointer), uintptr(len(events)), 0, 0, 0)
	} else {
		eventCount, _, err = syscall.Syscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epollFd), uintptr(eventsPointer), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if err == syscall.Errno(0) {
		err = nil
	}
	return int(eventCount), err
}

// fdClosed reports whether a descriptor has been closed out from under the
// poller, used to recover from a poll fault caused by concurrent teardown.
func fdClosed(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == unix.EBADF
}
