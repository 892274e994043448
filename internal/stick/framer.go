package stick

import (
	"fmt"
	"log/slog"
)

// frameReader accumulates bytes read from the stick and extracts complete
// response frames. Bytes ahead of a header are discarded.
type frameReader struct {
	buf    []byte
	logger *slog.Logger
	// onInvalid is called for every frame that fails to decode.
	onInvalid func(error)
}

func newFrameReader(logger *slog.Logger) *frameReader {
	return &frameReader{logger: logger}
}

// feed appends p and returns every response that became complete.
func (f *frameReader) feed(p []byte) []*Response {
	f.buf = append(f.buf, p...)

	var out []*Response
	for {
		start := -1
		for i, b := range f.buf {
			if b == packetHeader {
				start = i
				break
			}
		}
		if start < 0 {
			if len(f.buf) > 0 {
				f.logger.Debug("discarding bytes before header", "bytes", len(f.buf))
			}
			f.buf = f.buf[:0]
			return out
		}
		if start > 0 {
			f.logger.Debug("discarding bytes before header", "bytes", start)
			f.buf = f.buf[start:]
		}
		if len(f.buf) < 2 {
			return out
		}

		length := int(f.buf[1])
		if length != lenConfirm && length != lenAck {
			f.logger.Debug("invalid frame length, resyncing", "length", length)
			f.buf = f.buf[1:]
			continue
		}
		if len(f.buf) < length+2 {
			return out
		}

		frame := f.buf[:length+2]
		resp, err := DecodeFrame(frame)
		if err != nil {
			f.logger.Warn("dropping invalid frame", "frame", fmt.Sprintf("% X", frame), "err", err)
			if f.onInvalid != nil {
				f.onInvalid(err)
			}
			f.buf = f.buf[1:]
			continue
		}
		f.buf = f.buf[length+2:]
		out = append(out, resp)
	}
}

// reset drops any buffered partial frame.
func (f *frameReader) reset() {
	f.buf = f.buf[:0]
}
