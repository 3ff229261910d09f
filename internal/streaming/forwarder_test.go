package streaming

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"
)

// scriptedReader feeds chunks from a channel and EOFs when it closes.
type scriptedReader struct {
	chunks  chan []byte
	pending []byte
}

func newScriptedReader() *scriptedReader {
	return &scriptedReader{chunks: make(chan []byte, 16)}
}

func (r *scriptedReader) ReadStdout(p []byte) (int, error) {
	if len(r.pending) == 0 {
		chunk, ok := <-r.chunks
		if !ok {
			return 0, io.EOF
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func TestForwarderForwardsChunks(t *testing.T) {
	reader := newScriptedReader()

	var mu sync.Mutex
	var got []byte
	eof := make(chan struct{})

	f := NewForwarder(reader,
		func(chunk []byte) {
			mu.Lock()
			got = append(got, chunk...)
			mu.Unlock()
		},
		func() { close(eof) },
		testLogger(),
	)
	f.Start()

	want := []byte("FLV\x01some fake stream bytes")
	reader.chunks <- want[:10]
	reader.chunks <- want[10:]
	close(reader.chunks)

	select {
	case <-eof:
	case <-time.After(time.Second):
		t.Fatal("EOF callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, want) {
		t.Errorf("forwarded %q, want %q", got, want)
	}
	if f.BytesRead() != uint64(len(want)) {
		t.Errorf("BytesRead() = %d, want %d", f.BytesRead(), len(want))
	}
	if f.Chunks() == 0 {
		t.Error("Chunks() = 0")
	}
}

func TestForwarderStopSuppressesEOF(t *testing.T) {
	reader := newScriptedReader()

	eofFired := make(chan struct{}, 1)
	f := NewForwarder(reader,
		func([]byte) {},
		func() { eofFired <- struct{}{} },
		testLogger(),
	)
	f.Start()

	reader.chunks <- []byte("data")
	time.Sleep(50 * time.Millisecond)

	f.Stop()
	close(reader.chunks) // the supervisor teardown would produce this EOF

	select {
	case <-eofFired:
		t.Error("EOF callback fired after Stop")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestForwarderStopIsIdempotent(t *testing.T) {
	reader := newScriptedReader()
	f := NewForwarder(reader, func([]byte) {}, func() {}, testLogger())
	f.Start()

	f.Stop()
	f.Stop() // must not panic
	close(reader.chunks)
}
