package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"camtrawl-acq/pkg/utils"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = time.Second
	outboxSize   = 32
)

// NetBoard talks to the control board through a serial-to-TCP server. The
// link carries CRLF terminated, comma separated lines both ways.
//
// Commands are queued and written by the link goroutine, so a slow or dead
// peer never blocks the caller.
type NetBoard struct {
	addr   string
	emit   func(Event)
	logger *zap.SugaredLogger
	outbox chan string
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewNetBoard(addr string, emit func(Event)) *NetBoard {
	return &NetBoard{
		addr:   addr,
		emit:   emit,
		logger: utils.GetLogger(),
		outbox: make(chan string, outboxSize),
		dial:   (&net.Dialer{Timeout: dialTimeout}).DialContext,
	}
}

// Start connects in the background. A failed connection is reported as an
// Error wrapping ErrConnect, followed by Stopped.
func (b *NetBoard) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("controller already started")
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	b.outbox <- cmdGetState
	go b.run(ctx, b.done)

	return nil
}

func (b *NetBoard) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	conn, err := b.dial(ctx, "tcp", b.addr)
	if err != nil {
		if ctx.Err() == nil {
			b.emit(Error{Err: fmt.Errorf("%w at %s: %w", ErrConnect, b.addr, err)})
		}
		b.emit(Stopped{})
		return
	}
	b.logger.Infof("controller: connected to %s", b.addr)

	readDone := make(chan struct{})
	go b.read(conn, readDone)
	defer func() {
		conn.Close()
		<-readDone
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case line := <-b.outbox:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err = conn.Write([]byte(line + "\r\n")); err != nil {
				// a partial line leaves the board out of step
				b.emit(Error{Err: fmt.Errorf("write %s: %w", line, err)})
				return
			}
		}
	}
}

func (b *NetBoard) read(conn net.Conn, done chan struct{}) {
	defer close(done)
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		for _, e := range parseLine(sc.Text(), time.Now()) {
			b.emit(e)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		b.emit(Error{Err: fmt.Errorf("controller link: %w", err)})
	}
	b.emit(Stopped{})
}

func (b *NetBoard) Stop(onStopped func()) {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.stopped = true
	b.mu.Unlock()

	go func() {
		if cancel != nil {
			cancel()
			<-done
		}
		b.logger.Info("controller: link closed")
		if onStopped != nil {
			onStopped()
		}
	}()
}

func (b *NetBoard) SendReady() error {
	return b.send(cmdReady)
}

func (b *NetBoard) Trigger(preFireUS, strobe1US, strobe2US int, port1, port2 bool) error {
	return b.send(triggerLine(preFireUS, strobe1US, strobe2US, port1, port2))
}

func (b *NetBoard) SendShutdownAck() error {
	return b.send(cmdShutdownAck)
}

func (b *NetBoard) SendShutdown() error {
	return b.send(cmdShutdown)
}

func (b *NetBoard) GetP2DParameters() error {
	return b.send(cmdGetP2D)
}

func (b *NetBoard) GetStartupVoltage() error {
	return b.send(cmdGetStartupVoltage)
}

func (b *NetBoard) GetShutdownVoltage() error {
	return b.send(cmdGetShutdownVoltage)
}

func (b *NetBoard) send(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.stopped {
		return ErrNotConnected
	}
	select {
	case b.outbox <- line:
		return nil
	default:
		return fmt.Errorf("%w: dropped %s", ErrBacklog, line)
	}
}
