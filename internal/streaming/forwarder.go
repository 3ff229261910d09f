package streaming

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// readChunkSize is how much stdout is pulled per read.
const readChunkSize = 8192

// stdoutReader is the slice of the supervisor the forwarder needs.
type stdoutReader interface {
	ReadStdout(p []byte) (int, error)
}

// Forwarder pumps bytes from the encoder's stdout into the coordinator's
// ingest-and-broadcast path on a dedicated goroutine, hiding the blocking
// pipe read from everything else.
type Forwarder struct {
	reader  stdoutReader
	forward func(chunk []byte)
	onEOF   func()
	logger  *slog.Logger

	done      chan struct{}
	finished  chan struct{}
	stopOnce  sync.Once
	bytesRead atomic.Uint64
	chunks    atomic.Uint64
}

// NewForwarder wires a forwarder to the supervisor's stdout. forward receives
// each chunk; onEOF fires once when the stream ends without Stop being called.
func NewForwarder(reader stdoutReader, forward func(chunk []byte), onEOF func(), logger *slog.Logger) *Forwarder {
	return &Forwarder{
		reader:   reader,
		forward:  forward,
		onEOF:    onEOF,
		logger:   logger,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start launches the read loop.
func (f *Forwarder) Start() {
	go f.loop()
}

// Stop ends the loop and suppresses the EOF callback. The blocked read drains
// once the supervisor tears the child down. Does not wait for the goroutine.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
}

// BytesRead returns the cumulative bytes pulled from stdout.
func (f *Forwarder) BytesRead() uint64 { return f.bytesRead.Load() }

// Chunks returns the number of chunks forwarded.
func (f *Forwarder) Chunks() uint64 { return f.chunks.Load() }

func (f *Forwarder) loop() {
	defer close(f.finished)

	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-f.done:
			return
		default:
		}

		n, err := f.reader.ReadStdout(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			f.bytesRead.Add(uint64(n))
			f.chunks.Add(1)
			metricStdoutBytes.Add(float64(n))
			metricChunksForwarded.Inc()
			f.forward(chunk)
		}
		if err != nil {
			if err != io.EOF {
				f.logger.Warn("Stdout read error", "error", err)
			}
			select {
			case <-f.done:
				// coordinator-initiated stop, not a crash
			default:
				f.logger.Info("Encoder stdout closed",
					"bytes", f.bytesRead.Load(), "chunks", f.chunks.Load())
				f.onEOF()
			}
			return
		}
	}
}
