// Package relay forwards bytes between a client channel and a machine
// connection without looking at the payload.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
)

// DefaultBufferSize is the per-direction buffer used when Options leaves it
// unset.
const DefaultBufferSize = 32 * 1024

// Direction identifies one half of a relay.
type Direction int

// Relay directions.
const (
	ClientToMachine Direction = iota
	MachineToClient
)

func (d Direction) String() string {
	if d == ClientToMachine {
		return "client_to_machine"
	}
	return "machine_to_client"
}

// Options tunes a relay.
type Options struct {
	// BufferSize bounds the bytes held in flight per direction.
	BufferSize int
	// OnTraffic is called after each chunk has been fully written to its
	// destination. It runs on the copy goroutine and must not block.
	OnTraffic func(dir Direction, n int)
}

// Result summarises a finished relay.
type Result struct {
	ClientToMachine int64
	MachineToClient int64
	// Err is the first error that was not an ordinary close, if any.
	Err error
	// Ended tells which side ended the relay first.
	Ended Direction
}

// Pipe copies client to machine and machine to client until either side
// closes, an I/O error occurs, or ctx is done. Both ends are closed before
// Pipe returns. Each direction holds at most BufferSize bytes: while the
// destination is not accepting writes, its source is not read.
func Pipe(ctx context.Context, client, machine io.ReadWriteCloser, opts Options) Result {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = machine.Close()
		})
	}

	var (
		res     Result
		resMu   sync.Mutex
		firstIn = true
		wg      sync.WaitGroup
	)
	finish := func(dir Direction, n int64, err error) {
		resMu.Lock()
		defer resMu.Unlock()
		if dir == ClientToMachine {
			res.ClientToMachine = n
		} else {
			res.MachineToClient = n
		}
		if firstIn {
			firstIn = false
			res.Ended = dir
		}
		if res.Err == nil && err != nil && !IsClosingError(err) {
			res.Err = err
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		n, err := copyChunks(machine, client, make([]byte, size), ClientToMachine, opts.OnTraffic)
		finish(ClientToMachine, n, err)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		n, err := copyChunks(client, machine, make([]byte, size), MachineToClient, opts.OnTraffic)
		finish(MachineToClient, n, err)
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	wg.Wait()
	close(done)
	return res
}

func copyChunks(dst io.Writer, src io.Reader, buf []byte, dir Direction, onTraffic func(Direction, int)) (int64, error) {
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			if onTraffic != nil {
				onTraffic(dir, nw)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// IsClosingError reports whether err is the ordinary result of a peer or
// the relay closing a channel.
func IsClosingError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, errStreamClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}
