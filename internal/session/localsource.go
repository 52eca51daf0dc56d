package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// LocalFileSource reads raw BGR frames from a file (or camera device
// node) for local/dev mode, pacing playback by the source's own frame
// interval rather than running ahead as fast as bytes arrive (spec
// §4.4 "Local dev mode"). Looping at EOF is the test/demo convenience;
// a real camera device node never reaches EOF.
type LocalFileSource struct {
	f         *os.File
	frameSize int
	interval  time.Duration
	loop      bool
}

// NewLocalFileSource opens path and prepares to read fixed-size BGR
// frames paced at fps.
func NewLocalFileSource(path string, width, height int, fps float64, loop bool) (*LocalFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open local source %s: %w", path, err)
	}
	if fps <= 0 {
		fps = 25
	}
	return &LocalFileSource{
		f:         f,
		frameSize: width * height * 3,
		interval:  time.Duration(float64(time.Second) / fps),
		loop:      loop,
	}, nil
}

// NextFrame reads one fixed-size frame, looping back to the start of the
// file on EOF if configured to do so.
func (l *LocalFileSource) NextFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	buf := make([]byte, l.frameSize)
	_, err := io.ReadFull(l.f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if !l.loop {
			return nil, io.EOF
		}
		if _, serr := l.f.Seek(0, io.SeekStart); serr != nil {
			return nil, fmt.Errorf("rewind local source: %w", serr)
		}
		_, err = io.ReadFull(l.f, buf)
	}
	if err != nil {
		return nil, fmt.Errorf("read local source frame: %w", err)
	}
	return buf, nil
}

// FrameIntervalHint returns the configured frame pacing interval.
func (l *LocalFileSource) FrameIntervalHint() time.Duration { return l.interval }

// Close closes the underlying file.
func (l *LocalFileSource) Close() error { return l.f.Close() }
