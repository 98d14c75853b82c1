package puma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlPipeRoundtrip(t *testing.T) {
	pipe, err := newControlPipe()
	require.NoError(t, err)
	defer pipe.close()

	for _, cmd := range []byte{cmdDrain, cmdCloseAll, cmdStop} {
		pipe.signal(cmd)
		got, err := pipe.readCommand()
		require.NoError(t, err)
		require.Equal(t, cmd, got)
	}
}

func TestControlPipePreservesCommandOrder(t *testing.T) {
	pipe, err := newControlPipe()
	require.NoError(t, err)
	defer pipe.close()

	pipe.signal(cmdDrain)
	pipe.signal(cmdDrain)
	pipe.signal(cmdStop)
	for _, want := range []byte{cmdDrain, cmdDrain, cmdStop} {
		got, err := pipe.readCommand()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestControlPipeCloseIsIdempotent(t *testing.T) {
	pipe, err := newControlPipe()
	require.NoError(t, err)

	require.False(t, pipe.isClosed())
	pipe.close()
	require.True(t, pipe.isClosed())
	pipe.close()
	require.True(t, pipe.isClosed())
}

func TestControlPipeSignalAfterCloseIsDropped(t *testing.T) {
	pipe, err := newControlPipe()
	require.NoError(t, err)
	pipe.close()

	// must neither panic nor write anywhere
	pipe.signal(cmdStop)
}
