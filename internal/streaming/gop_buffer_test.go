package streaming

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flvHeader is a 9-byte FLV header plus PreviousTagSize0.
func flvHeader() []byte {
	return []byte{'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
}

// makeTag builds a complete FLV tag including the trailing PreviousTagSize.
func makeTag(tagType byte, payload []byte, timestamp uint32) []byte {
	size := len(payload)
	tag := make([]byte, 0, tagHeaderSize+size+tagTrailerLen)
	tag = append(tag, tagType)
	tag = append(tag, byte(size>>16), byte(size>>8), byte(size))
	tag = append(tag, byte(timestamp>>16), byte(timestamp>>8), byte(timestamp), 0)
	tag = append(tag, 0, 0, 0)
	tag = append(tag, payload...)
	total := uint32(tagHeaderSize + size)
	tag = append(tag, byte(total>>24), byte(total>>16), byte(total>>8), byte(total))
	return tag
}

func metadataTag() []byte {
	payload := []byte{0x02, 0x00, 0x0A}
	payload = append(payload, []byte("onMetaData")...)
	payload = append(payload, 0x08, 0x00, 0x00, 0x00, 0x00) // empty ECMA array
	return makeTag(tagTypeScript, payload, 0)
}

func videoTag(keyframe bool, timestamp uint32, fill int) []byte {
	frameType := byte(0x27) // inter frame, AVC
	if keyframe {
		frameType = 0x17
	}
	payload := append([]byte{frameType}, make([]byte, fill)...)
	return makeTag(tagTypeVideo, payload, timestamp)
}

func audioTag(timestamp uint32) []byte {
	return makeTag(tagTypeAudio, []byte{0xAF, 0x01, 0x21}, timestamp)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestBootstrapEmptyBeforeHeader(t *testing.T) {
	g := NewGOPBuffer(testLogger())
	if got := g.Bootstrap(); got != nil {
		t.Errorf("Bootstrap() before any data = %d bytes, want nil", len(got))
	}

	g.Ingest([]byte("FL")) // partial header
	if got := g.Bootstrap(); got != nil {
		t.Errorf("Bootstrap() with partial header = %d bytes, want nil", len(got))
	}
}

func TestHeaderAndMetadataCaptured(t *testing.T) {
	g := NewGOPBuffer(testLogger())
	header := flvHeader()
	meta := metadataTag()
	key := videoTag(true, 0, 32)

	g.Ingest(concat(header, meta, key))

	want := concat(header, meta, key)
	if got := g.Bootstrap(); !bytes.Equal(got, want) {
		t.Errorf("Bootstrap() = %d bytes, want %d (header+metadata+keyframe)", len(got), len(want))
	}
	if !g.Ready() {
		t.Error("Ready() = false after header + keyframe")
	}
}

func TestHeaderPrefixEndsAtFirstTagWithoutMetadata(t *testing.T) {
	g := NewGOPBuffer(testLogger())
	header := flvHeader()
	key := videoTag(true, 0, 16)

	g.Ingest(concat(header, key))

	if got := g.Bootstrap(); !bytes.Equal(got, concat(header, key)) {
		t.Errorf("Bootstrap() = %d bytes, want header+keyframe", len(got))
	}
}

func TestGOPRotationKeepsTwo(t *testing.T) {
	g := NewGOPBuffer(testLogger())
	header := flvHeader()
	meta := metadataTag()

	gop1 := concat(videoTag(true, 0, 16), videoTag(false, 33, 16), audioTag(40))
	gop2 := concat(videoTag(true, 1000, 16), videoTag(false, 1033, 16))
	gop3 := concat(videoTag(true, 2000, 16), audioTag(2010))

	g.Ingest(concat(header, meta, gop1, gop2, gop3))

	// Only the two most recent GOPs may be retained.
	want := concat(header, meta, gop2, gop3)
	if got := g.Bootstrap(); !bytes.Equal(got, want) {
		t.Errorf("Bootstrap() = %d bytes, want %d (header+meta+gop2+gop3)", len(got), len(want))
	}
}

func TestChunkedIngestMatchesWhole(t *testing.T) {
	stream := concat(flvHeader(), metadataTag(),
		videoTag(true, 0, 64), videoTag(false, 33, 64), audioTag(40),
		videoTag(true, 1000, 64), videoTag(false, 1033, 64))

	whole := NewGOPBuffer(testLogger())
	whole.Ingest(stream)

	chunked := NewGOPBuffer(testLogger())
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		chunked.Ingest(stream[i:end])
	}

	if !bytes.Equal(whole.Bootstrap(), chunked.Bootstrap()) {
		t.Error("chunked ingest produced a different bootstrap than whole ingest")
	}
}

func TestBootstrapRoundTrip(t *testing.T) {
	// The bootstrap concatenated with bytes after the buffered region must be
	// a parseable FLV stream: re-ingesting it reproduces the same tail state.
	g := NewGOPBuffer(testLogger())
	stream := concat(flvHeader(), metadataTag(),
		videoTag(true, 0, 32), audioTag(10),
		videoTag(true, 1000, 32), videoTag(false, 1033, 32))
	g.Ingest(stream)

	replay := NewGOPBuffer(testLogger())
	replay.Ingest(g.Bootstrap())

	if !replay.Ready() {
		t.Fatal("replayed bootstrap is not a decodable prefix")
	}
	if !bytes.Equal(replay.Bootstrap(), g.Bootstrap()) {
		t.Error("re-ingesting the bootstrap changed its content")
	}
}

func TestAudioBeforeFirstKeyframeIgnored(t *testing.T) {
	g := NewGOPBuffer(testLogger())
	header := flvHeader()
	meta := metadataTag()
	audio := audioTag(0)
	key := videoTag(true, 100, 16)

	g.Ingest(concat(header, meta, audio, key))

	// Audio before the first keyframe belongs to no GOP.
	want := concat(header, meta, key)
	if got := g.Bootstrap(); !bytes.Equal(got, want) {
		t.Errorf("Bootstrap() = %d bytes, want %d", len(got), len(want))
	}
}

func TestMalformedFreezesBootstrapUntilResync(t *testing.T) {
	g := NewGOPBuffer(testLogger())
	header := flvHeader()
	meta := metadataTag()
	key1 := videoTag(true, 0, 16)

	g.Ingest(concat(header, meta, key1))
	frozen := g.Bootstrap()

	// A tag with an invalid type desynchronizes the parser.
	garbage := bytes.Repeat([]byte{0x55, 0xFF}, 8)
	g.Ingest(garbage)

	if got := g.Bootstrap(); !bytes.Equal(got, frozen) {
		t.Error("bootstrap changed while desynchronized")
	}
	if !g.Stats().Desynced {
		t.Fatal("expected desynchronized state")
	}

	// A complete well-formed tag lets the parser resynchronize, and a new
	// keyframe resumes GOP tracking.
	key2 := videoTag(true, 3000, 16)
	frame2 := videoTag(false, 3033, 16)
	g.Ingest(concat(key2, frame2))

	if g.Stats().Desynced {
		t.Fatal("parser did not resynchronize at a tag boundary")
	}
	got := g.Bootstrap()
	if !bytes.Contains(got, key2) {
		t.Error("bootstrap does not include the post-resync keyframe")
	}
}

func TestNonFLVStreamPassesThrough(t *testing.T) {
	g := NewGOPBuffer(testLogger())
	g.Ingest([]byte("this is not an flv stream at all!!"))

	if g.Bootstrap() != nil {
		t.Error("Bootstrap() should stay nil for a non-FLV stream")
	}
	// Ingest must keep accepting bytes without growing without bound.
	for i := 0; i < 100; i++ {
		g.Ingest(make([]byte, 4096))
	}
	if len(g.pending) > resyncKeepBytes {
		t.Errorf("pending grew to %d while desynced, cap is %d", len(g.pending), resyncKeepBytes)
	}
}

func TestReset(t *testing.T) {
	g := NewGOPBuffer(testLogger())
	g.Ingest(concat(flvHeader(), metadataTag(), videoTag(true, 0, 16)))
	if !g.Ready() {
		t.Fatal("setup: buffer should be ready")
	}

	g.Reset()

	if g.Ready() || g.Bootstrap() != nil {
		t.Error("Reset() did not clear buffer state")
	}

	// A new encoder run re-captures its own header.
	g.Ingest(concat(flvHeader(), metadataTag(), videoTag(true, 0, 8)))
	if !g.Ready() {
		t.Error("buffer did not recover after Reset")
	}
}

func TestOversizedGOPDropped(t *testing.T) {
	g := NewGOPBuffer(testLogger())
	g.maxGOPBytes = 4096

	g.Ingest(concat(flvHeader(), metadataTag(), videoTag(true, 0, 16)))
	// Frames beyond the cap are discarded until the next keyframe.
	g.Ingest(videoTag(false, 33, 8000))

	stats := g.Stats()
	if stats.CurGOPBytes > 4096 {
		t.Errorf("current GOP grew to %d, cap is 4096", stats.CurGOPBytes)
	}

	key2 := videoTag(true, 1000, 16)
	g.Ingest(key2)
	if !bytes.HasSuffix(g.Bootstrap(), key2) {
		t.Error("buffer did not recover at the next keyframe")
	}
}
