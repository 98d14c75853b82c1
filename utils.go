package puma

import (
	"crypto/tls"
	"net"
	"os"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

type FileDesc interface {
	File() (f *os.File, err error)
}

// ConnFile extracts a duplicated *os.File from a TCP or TLS connection so
// its descriptor can be handed to the reactor. The caller owns the file and
// must close it together with the connection.
func ConnFile(conn net.Conn) (*os.File, error) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	if fd, ok := conn.(FileDesc); ok {
		return fd.File()
	}
	return nil, errUnsupportedConn
}

// SetSocketOptions puts the descriptor into nonblocking mode and bounds its
// kernel buffers, the mode the reactor expects watched sockets to be in.
func SetSocketOptions(fd int) {
	err := unix.SetNonblock(fd, true)
	if err != nil {
		log.Error().Msgf("got error while setting socket options O_NONBLOCK: %+v", err)
	}
	err = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, 8192)
	if err != nil {
		log.Error().Msgf("got error while setting socket options SO_RCVBUF: %+v", err)
	}
	err = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_SNDBUF, 8192)
	if err != nil {
		log.Error().Msgf("got error while setting socket options SO_SNDBUF: %+v", err)
	}
}
