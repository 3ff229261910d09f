package streaming

import (
	"bytes"
	"encoding/binary"
	"log/slog"
)

// FLV framing constants.
const (
	flvHeaderSize = 13 // 9-byte header + 4-byte PreviousTagSize0
	tagHeaderSize = 11 // TagType(1) + DataSize(3) + Timestamp(3+1) + StreamID(3)
	tagTrailerLen = 4  // PreviousTagSize after the payload

	tagTypeAudio  = 8
	tagTypeVideo  = 9
	tagTypeScript = 18

	frameTypeKeyframe = 1
)

// maxTagBytes bounds a single tag's declared payload. FLV data sizes are
// 24-bit; anything near the top of that range in a live stream means the
// parser has lost framing.
const maxTagBytes = 1 << 23 // 8 MiB

// defaultMaxGOPBytes caps one buffered GOP. Beyond it the buffer stops
// growing and waits for the next keyframe.
const defaultMaxGOPBytes = 16 << 20

// resyncKeepBytes bounds the unparsed tail retained while desynchronized.
const resyncKeepBytes = 64 << 10

// GOPBuffer consumes the raw FLV byte stream and maintains the bootstrap
// prefix a late joiner needs: FLV header + onMetadata tag, the previous
// complete GOP, and the GOP currently accumulating. It never holds more than
// the header prefix plus two GOPs.
//
// The buffer is not self-synchronized: the coordinator serializes Ingest,
// Bootstrap, and Reset under its own lock.
type GOPBuffer struct {
	logger      *slog.Logger
	maxGOPBytes int

	pending      []byte // bytes not yet parsed into tags
	headerPrefix []byte
	headerDone   bool // headerPrefix is final for this encoder run
	prevGOP      []byte
	curGOP       []byte
	gopStarted   bool // a keyframe has been seen this run
	desynced     bool
	overflowed   bool // current GOP exceeded the cap, waiting for a keyframe
	totalBytes   uint64
}

// NewGOPBuffer creates an empty buffer.
func NewGOPBuffer(logger *slog.Logger) *GOPBuffer {
	return &GOPBuffer{
		logger:      logger,
		maxGOPBytes: defaultMaxGOPBytes,
	}
}

// Ingest appends a chunk of the encoder's FLV stream and advances the
// incremental parse. It never blocks and never gates forwarding: callers
// broadcast the same chunk regardless of what Ingest concludes.
func (g *GOPBuffer) Ingest(chunk []byte) {
	g.totalBytes += uint64(len(chunk))
	g.pending = append(g.pending, chunk...)

	if g.desynced {
		g.tryResync()
		if g.desynced {
			g.trimPending()
			return
		}
	}

	if g.headerPrefix == nil && !g.consumeHeader() {
		return
	}

	g.consumeTags()
}

// Bootstrap returns headerPrefix ++ previousGOP ++ currentGOP, followed by
// the already received head of a tag that is not complete yet (so the live
// bytes that follow finish it), or nil if the header has not been observed
// yet. The result is a fresh slice; the caller may hand it directly to a
// viewer queue.
func (g *GOPBuffer) Bootstrap() []byte {
	if !g.headerDone {
		return nil
	}
	var tail []byte
	if !g.desynced {
		tail = g.pending
	}
	out := make([]byte, 0, len(g.headerPrefix)+len(g.prevGOP)+len(g.curGOP)+len(tail))
	out = append(out, g.headerPrefix...)
	out = append(out, g.prevGOP...)
	out = append(out, g.curGOP...)
	out = append(out, tail...)
	return out
}

// Ready reports whether Bootstrap would give a decodable prefix: header seen
// and at least one keyframe buffered.
func (g *GOPBuffer) Ready() bool {
	return g.headerDone && g.gopStarted
}

// Reset discards all state. Called on encoder restart: the new run emits its
// own header, which must not be mixed with the old one.
func (g *GOPBuffer) Reset() {
	g.pending = nil
	g.headerPrefix = nil
	g.headerDone = false
	g.prevGOP = nil
	g.curGOP = nil
	g.gopStarted = false
	g.desynced = false
	g.overflowed = false
	g.totalBytes = 0
}

// BufferStats is a point-in-time snapshot for logs and status reporting.
type BufferStats struct {
	HeaderBytes  int
	PrevGOPBytes int
	CurGOPBytes  int
	TotalBytes   uint64
	Ready        bool
	Desynced     bool
}

// Stats returns a snapshot of the buffer state.
func (g *GOPBuffer) Stats() BufferStats {
	return BufferStats{
		HeaderBytes:  len(g.headerPrefix),
		PrevGOPBytes: len(g.prevGOP),
		CurGOPBytes:  len(g.curGOP),
		TotalBytes:   g.totalBytes,
		Ready:        g.Ready(),
		Desynced:     g.desynced,
	}
}

// consumeHeader captures the 13-byte FLV header. Returns false while more
// bytes are needed.
func (g *GOPBuffer) consumeHeader() bool {
	if len(g.pending) < flvHeaderSize {
		return false
	}
	if !bytes.HasPrefix(g.pending, []byte("FLV")) {
		g.logger.Warn("Stream does not start with an FLV signature, bootstrap disabled")
		g.desync()
		return false
	}
	g.headerPrefix = append([]byte(nil), g.pending[:flvHeaderSize]...)
	g.pending = g.pending[flvHeaderSize:]
	g.logger.Debug("FLV header captured")
	return true
}

// consumeTags parses complete tags out of pending and routes them into the
// header prefix or the GOP accumulators.
func (g *GOPBuffer) consumeTags() {
	for len(g.pending) >= tagHeaderSize {
		tagType := g.pending[0]
		dataSize := int(be24(g.pending[1:4]))

		if !validTagType(tagType) || dataSize > maxTagBytes {
			g.logger.Warn("Malformed FLV tag, bootstrap state held until resync",
				"tag_type", tagType, "data_size", dataSize)
			g.desync()
			g.tryResync()
			if g.desynced {
				g.trimPending()
				return
			}
			continue
		}

		total := tagHeaderSize + dataSize + tagTrailerLen
		if len(g.pending) < total {
			return
		}

		tag := append([]byte(nil), g.pending[:total]...)
		g.pending = g.pending[total:]
		g.handleTag(tagType, tag)
	}
}

// handleTag finishes the header prefix on the first onMetadata script tag
// (or at the first tag of any other kind), then groups tags into GOPs keyed
// by keyframe-bearing video tags.
func (g *GOPBuffer) handleTag(tagType byte, tag []byte) {
	if !g.headerDone {
		if tagType == tagTypeScript && isOnMetadata(tag[tagHeaderSize:len(tag)-tagTrailerLen]) {
			g.headerPrefix = append(g.headerPrefix, tag...)
			g.headerDone = true
			g.logger.Debug("Metadata tag captured", "header_bytes", len(g.headerPrefix))
			return
		}
		// No metadata before the first media tag: the prefix ends here.
		g.headerDone = true
	}

	switch tagType {
	case tagTypeVideo:
		frameType := tag[tagHeaderSize] >> 4
		if frameType == frameTypeKeyframe {
			if g.gopStarted && !g.overflowed {
				g.prevGOP = g.curGOP
			}
			g.curGOP = tag
			g.gopStarted = true
			g.overflowed = false
			return
		}
		g.appendToGOP(tag)
	case tagTypeAudio, tagTypeScript:
		g.appendToGOP(tag)
	}
}

func (g *GOPBuffer) appendToGOP(tag []byte) {
	if !g.gopStarted || g.overflowed {
		return
	}
	if len(g.curGOP)+len(tag) > g.maxGOPBytes {
		g.logger.Warn("GOP exceeds buffer cap, dropping until next keyframe",
			"gop_bytes", len(g.curGOP))
		g.curGOP = nil
		g.gopStarted = g.prevGOP != nil
		g.overflowed = true
		return
	}
	g.curGOP = append(g.curGOP, tag...)
}

// desync freezes bootstrap maintenance. Live bytes keep flowing to viewers;
// only the cached prefix stops updating.
func (g *GOPBuffer) desync() {
	g.desynced = true
}

// tryResync scans pending for a plausible tag boundary: a valid tag type
// with a sane declared size whose trailing PreviousTagSize field matches.
func (g *GOPBuffer) tryResync() {
	for i := 0; i+tagHeaderSize <= len(g.pending); i++ {
		if !validTagType(g.pending[i]) {
			continue
		}
		dataSize := int(be24(g.pending[i+1 : i+4]))
		if dataSize > maxTagBytes {
			continue
		}
		end := i + tagHeaderSize + dataSize
		if end+tagTrailerLen > len(g.pending) {
			// Cannot confirm yet; wait for more bytes.
			return
		}
		if binary.BigEndian.Uint32(g.pending[end:end+tagTrailerLen]) != uint32(tagHeaderSize+dataSize) {
			continue
		}
		g.pending = g.pending[i:]
		g.desynced = false
		g.logger.Info("Resynchronized to FLV tag boundary", "skipped", i)
		return
	}
	g.pending = g.pending[:0]
}

func (g *GOPBuffer) trimPending() {
	if len(g.pending) > resyncKeepBytes {
		g.pending = append([]byte(nil), g.pending[len(g.pending)-resyncKeepBytes:]...)
	}
}

func validTagType(t byte) bool {
	return t == tagTypeAudio || t == tagTypeVideo || t == tagTypeScript
}

// isOnMetadata checks whether script tag data begins with the AMF0 string
// "onMetaData": marker 0x02, 2-byte length, then the name.
func isOnMetadata(data []byte) bool {
	if len(data) < 3 || data[0] != 0x02 {
		return false
	}
	nameLen := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) < 3+nameLen {
		return false
	}
	return bytes.EqualFold(data[3:3+nameLen], []byte("onMetaData"))
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
