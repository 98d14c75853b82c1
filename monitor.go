package puma

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseOpenFileLimit lifts RLIMIT_NOFILE to max so the reactor can watch
// more sockets than the default soft limit allows.
func RaiseOpenFileLimit(max uint64) {
	noRLimit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, noRLimit)
	if err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return
	}
	if noRLimit.Cur >= max {
		return
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{
		Cur: max,
		Max: max,
	})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
	}
}
