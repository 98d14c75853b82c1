package puma

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// defaultSleepFor is the poll interval used while no connection carries a
// deadline.
const defaultSleepFor = 5 * time.Second

type ReactorConfig struct {
	Name            string `yaml:"name" toml:"name"`
	EventBufferSize int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	LockOsThread    bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
}

// Reactor multiplexes many client connections over one polling loop: it
// watches their descriptors for readiness, drives ready connections forward,
// expires the ones that outlive their deadline and hands finished requests
// over to the executor.
//
// Exactly one goroutine ever executes the loop body, either the caller of
// Run or the goroutine spawned by RunInThread. Everything else goes through
// the facade methods, which mutate shared state under the state lock and
// wake the loop through the control pipe.
type Reactor struct {
	name         string
	lockOsThread bool

	// mu guards pending, timeouts and sleepFor. The watched set itself is
	// local to the loop goroutine and needs no lock.
	mu       sync.Mutex
	pending  *queue.Queue
	timeouts timeoutIndex
	sleepFor time.Duration

	pipe   *controlPipe
	poller *poller

	executor Executor
	events   EventSink
	stderr   io.Writer

	running  *atomic.Bool
	started  *atomic.Bool
	loopDone chan struct{}
	doneOnce sync.Once
}

func NewReactor(config ReactorConfig, executor Executor, events EventSink) (*Reactor, error) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init reactor:%+v", config)
	} else {
		log.Info().Msgf("init reactor:%s", config.Name)
	}
	pipe, err := newControlPipe()
	if err != nil {
		log.Error().Msgf("can't open control pipe: %+v", err)
		return nil, err
	}
	poller, err := openPoller(config.EventBufferSize)
	if err != nil {
		log.Error().Msgf("can't open poller: %+v", err)
		pipe.close()
		return nil, err
	}
	if events == nil {
		events = LogSink{}
	}
	return &Reactor{
		name:         config.Name,
		lockOsThread: config.LockOsThread,
		pending:      queue.New(),
		sleepFor:     defaultSleepFor,
		pipe:         pipe,
		poller:       poller,
		executor:     executor,
		events:       events,
		stderr:       os.Stderr,
		running:      atomic.NewBool(false),
		started:      atomic.NewBool(false),
		loopDone:     make(chan struct{}),
	}, nil
}

// SetDiagnosticStream redirects the best-effort error stream used when the
// event sink itself cannot be reached. Defaults to stderr.
func (r *Reactor) SetDiagnosticStream(w io.Writer) {
	r.stderr = w
}

// Add hands a newly accepted connection to the reactor. It may be called
// from any goroutine and never blocks on the loop itself: the connection is
// queued and the loop is woken through the control pipe.
func (r *Reactor) Add(c Connection) {
	r.mu.Lock()
	r.pending.Add(c)
	if _, ok := c.TimeoutAt(); ok {
		r.timeouts.insert(c)
		r.calculateSleepLocked()
	}
	r.mu.Unlock()
	r.pipe.signal(cmdDrain)
}

// Clear force-closes every watched connection without stopping the loop.
// Delivery of the command byte is delegated to a short-lived goroutine so
// the caller returns as soon as the byte is written, without ever needing
// the state lock. Connections dropped this way get no terminal response.
func (r *Reactor) Clear() {
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		r.pipe.signal(cmdCloseAll)
	}()
	<-delivered
}

// Shutdown stops the loop and blocks until it has fully exited. If the pipe
// is already closed no byte is written; the loop detects the closed pipe on
// its own. After Shutdown returns the reactor accepts no further operations.
func (r *Reactor) Shutdown() {
	r.pipe.signal(cmdStop)
	if r.started.Load() {
		<-r.loopDone
	}
}

// Running reports whether the loop body is currently executing.
func (r *Reactor) Running() bool {
	return r.running.Load()
}

// Run executes the loop on the calling goroutine. The control pipe is closed
// on every exit path, normal or fatal, before Run returns.
func (r *Reactor) Run() error {
	r.started.Store(true)
	defer r.doneOnce.Do(func() { close(r.loopDone) })
	defer r.poller.close()
	defer r.pipe.close()
	return r.runInternal()
}

// RunInThread executes the loop on a dedicated goroutine. A fault escaping
// the loop body is written to the diagnostic stream and the loop is
// restarted, unless the pipe has since been closed, which signals an
// intentional shutdown. The pipe is closed before the goroutine exits.
func (r *Reactor) RunInThread() {
	r.started.Store(true)
	go func() {
		defer r.doneOnce.Do(func() { close(r.loopDone) })
		defer r.poller.close()
		defer r.pipe.close()
		for {
			err := r.guardedRun()
			if err == nil {
				return
			}
			if r.pipe.isClosed() {
				return
			}
			// best effort: the sink may be the very thing that failed
			fmt.Fprintf(r.stderr, "Error in reactor loop escaped: %v\n", err)
		}
	}()
}

func (r *Reactor) guardedRun() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reactor loop panic: %v", rec)
		}
	}()
	return r.runInternal()
}

func (r *Reactor) runInternal() error {
	if r.pipe.isClosed() {
		return nil
	}
	if r.lockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	// EEXIST happens after a restart: the read end survived the previous
	// loop incarnation and is still registered.
	if err := r.poller.addReadErrors(r.pipe.readFd); err != nil && !errors.Is(err, unix.EEXIST) {
		return err
	}
	watched := make(map[int]Connection)
	r.running.Store(true)
	defer r.running.Store(false)

	for {
		r.mu.Lock()
		sleep := r.sleepFor
		r.mu.Unlock()

		ready, err := r.poller.wait(sleepMsec(sleep))
		if err != nil {
			stop, rerr := r.recoverPollFault(watched, err)
			if stop {
				return rerr
			}
			continue
		}

		stop, err := r.dispatch(watched, ready)
		if stop {
			return err
		}

		r.sweep(watched)
	}
}

// recoverPollFault handles a failed poll. If any watched descriptor turns
// out to have been closed concurrently it is dropped and the loop re-polls
// without advancing state. A closed pipe means intentional shutdown. With
// nothing identifiable and the pipe still open, the fault is fatal.
func (r *Reactor) recoverPollFault(watched map[int]Connection, pollErr error) (stop bool, err error) {
	dropped := false
	for fd, c := range watched {
		if fdClosed(fd) {
			dropped = true
			delete(watched, fd)
			r.forgetTimeout(c)
			if derr := r.poller.delete(fd); derr != nil && log.Debug().Enabled() {
				log.Debug().Msgf("[%d] error occurs while detaching closed fd from poller: %v", fd, derr)
			}
		}
	}
	if r.pipe.isClosed() {
		return true, nil
	}
	if !dropped {
		log.Error().Msgf("unrecoverable poll fault: %+v", pollErr)
		return true, pollErr
	}
	return false, nil
}

// dispatch services every descriptor reported ready. The stop result is true
// when the loop must terminate, carrying the error to surface if any.
func (r *Reactor) dispatch(watched map[int]Connection, ready []int) (bool, error) {
	for _, fd := range ready {
		if fd == r.pipe.readFd {
			cmd, err := r.pipe.readCommand()
			if err != nil {
				if r.pipe.isClosed() {
					return true, nil
				}
				return true, err
			}
			switch cmd {
			case cmdDrain:
				r.drainPending(watched)
			case cmdCloseAll:
				r.closeAll(watched)
			case cmdStop:
				return true, nil
			}
			continue
		}
		c, ok := watched[fd]
		if !ok {
			// stale registration left behind by a previous loop incarnation
			if err := r.poller.delete(fd); err != nil && log.Debug().Enabled() {
				log.Debug().Msgf("[%d] error occurs while detaching stale fd from poller: %v", fd, err)
			}
			continue
		}
		r.service(c, watched)
	}
	return false, nil
}

// service drives one ready connection. Its deadline is dropped from the
// timeout index before the connection is touched, so the sweep can never
// expire a connection that is simultaneously being finished and closed here.
func (r *Reactor) service(c Connection, watched map[int]Connection) {
	if _, ok := c.TimeoutAt(); ok {
		r.forgetTimeout(c)
	}
	done, err := c.TryFinish()
	if err != nil {
		r.detach(c, watched)
		var hs *HandshakeError
		var mr *MalformedRequestError
		switch {
		case isDisconnect(err):
			// expected teardown of an idle persistent connection
		case errors.As(err, &hs):
			r.events.HandshakeError(hs, c.RemoteAddr(), c.PeerCertificate())
		case errors.As(err, &mr):
			c.WriteBadRequest()
			r.events.MalformedRequest(mr, c)
		default:
			c.WriteServerError()
			r.events.LowLevelError(err, c)
		}
		closeConn(c)
		return
	}
	if done {
		r.detach(c, watched)
		if err := r.executor.Submit(c); err != nil {
			log.Error().Msgf("can't hand connection off to the executor: %+v", err)
			closeConn(c)
		}
	}
}

// drainPending merges every queued connection into the watched set. A
// descriptor that can no longer be registered was closed before its first
// poll; such a connection is discarded silently.
func (r *Reactor) drainPending(watched map[int]Connection) {
	r.mu.Lock()
	conns := make([]Connection, 0, r.pending.Length())
	for r.pending.Length() > 0 {
		conns = append(conns, r.pending.Remove().(Connection))
	}
	r.mu.Unlock()
	for _, c := range conns {
		fd := c.Fd()
		if err := r.poller.addReadErrors(fd); err != nil {
			if log.Debug().Enabled() {
				log.Debug().Msgf("[%d] can't watch queued connection: %v", fd, err)
			}
			r.forgetTimeout(c)
			closeConn(c)
			continue
		}
		watched[fd] = c
	}
}

// closeAll drops every watched connection except the control pipe. The loop
// keeps running and later Add calls are still honored.
func (r *Reactor) closeAll(watched map[int]Connection) {
	for fd, c := range watched {
		delete(watched, fd)
		if err := r.poller.delete(fd); err != nil && log.Debug().Enabled() {
			log.Debug().Msgf("[%d] error occurs while detaching fd from poller: %v", fd, err)
		}
		r.forgetTimeout(c)
		closeConn(c)
	}
}

// sweep expires every connection whose deadline has passed, earliest first.
// Mid-request connections get a 408-class response before closing.
func (r *Reactor) sweep(watched map[int]Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for r.timeouts.len() > 0 {
		c, _ := r.timeouts.peek()
		at, _ := c.TimeoutAt()
		if at.After(now) {
			break
		}
		r.timeouts.shift()
		if c.InDataPhase() {
			c.WriteRequestTimeout()
		}
		fd := c.Fd()
		delete(watched, fd)
		if err := r.poller.delete(fd); err != nil && log.Debug().Enabled() {
			log.Debug().Msgf("[%d] error occurs while detaching expired fd from poller: %v", fd, err)
		}
		closeConn(c)
	}
	r.calculateSleepLocked()
}

// detach removes a connection from the watched set and the poller. The
// timeout index was already handled by service.
func (r *Reactor) detach(c Connection, watched map[int]Connection) {
	fd := c.Fd()
	delete(watched, fd)
	if err := r.poller.delete(fd); err != nil && log.Debug().Enabled() {
		log.Debug().Msgf("[%d] error occurs while detaching fd from poller: %v", fd, err)
	}
}

func (r *Reactor) forgetTimeout(c Connection) {
	r.mu.Lock()
	r.timeouts.remove(c)
	r.calculateSleepLocked()
	r.mu.Unlock()
}

func (r *Reactor) calculateSleepLocked() {
	r.sleepFor = r.timeouts.sleepFor(time.Now(), defaultSleepFor)
}

func closeConn(c Connection) {
	if err := c.Close(); err != nil && log.Debug().Enabled() {
		log.Debug().Msgf("got error while closing connection: %+v", err)
	}
}

// sleepMsec converts a poll interval to epoll milliseconds, keeping a
// sub-millisecond positive interval from degrading into a busy spin.
func sleepMsec(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	msec := int(d / time.Millisecond)
	if msec == 0 {
		msec = 1
	}
	return msec
}
