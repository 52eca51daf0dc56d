package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DecoderSource spawns a decoder subprocess that consumes an SDP session
// description over RTP/UDP and emits raw 24-bit BGR frames at a fixed
// width x height on its stdout (spec §4.4 "Network mode"). Because the
// decoder may deliver partial chunks, DecoderSource buffers bytes and
// only emits whole frames, carrying any remainder forward.
type DecoderSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	frameSize  int
	readChunk  int
	accumulatorCap int

	buf []byte

	mu          sync.Mutex
	decoderRSS  uint64
	decoderPID  int32

	wg sync.WaitGroup
}

// NewDecoderSource spawns binaryPath with args, wiring its stdout for
// frame reads and draining its stderr on a side goroutine so the decoder
// never blocks on a full stderr pipe. readChunkBytes controls read
// granularity (implementation-defined per spec, default 64 KiB).
// accumulatorCapFrames bounds the byte buffer to that many multiples of
// one frame, so a stalled detector/consumer can't grow memory unbounded
// if the decoder keeps outpacing reads (spec §5 "Backpressure"). If stdin
// is non-nil, it is wired as the subprocess's standard input instead of
// leaving the decoder to read RTP/UDP on its own — the shape used by the
// RTPRelay ingestion mode, where aulavision depacketizes the stream itself
// and feeds the decoder a bare Annex-B bitstream.
func NewDecoderSource(ctx context.Context, binaryPath string, args []string, stdin io.Reader, width, height, readChunkBytes, accumulatorCapFrames int) (*DecoderSource, error) {
	frameSize := width * height * 3
	if readChunkBytes < 1 {
		readChunkBytes = 64 * 1024
	}
	if accumulatorCapFrames < 1 {
		accumulatorCapFrames = 4
	}

	cmd := exec.CommandContext(ctx, binaryPath, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn decoder: %w", err)
	}

	d := &DecoderSource{
		cmd:            cmd,
		stdout:         stdout,
		frameSize:      frameSize,
		readChunk:      readChunkBytes,
		accumulatorCap: frameSize * accumulatorCapFrames,
		decoderPID:     int32(cmd.Process.Pid),
	}

	d.wg.Add(1)
	go d.drainStderr(stderr)

	return d, nil
}

func (d *DecoderSource) drainStderr(stderr io.ReadCloser) {
	defer d.wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 256*1024)
	for scanner.Scan() {
		log.Debug("decoder stderr", "line", scanner.Text())
	}
}

// NextFrame reads from the decoder's stdout until at least one full frame
// is buffered, then returns the oldest frame and retains any remainder.
func (d *DecoderSource) NextFrame(ctx context.Context) ([]byte, error) {
	for len(d.buf) < d.frameSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		chunk := make([]byte, d.readChunk)
		n, err := d.stdout.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			d.buf = trimAccumulator(d.buf, d.accumulatorCap, d.frameSize)
		}
		if err != nil {
			return nil, fmt.Errorf("decoder stdout read: %w", err)
		}
	}

	frame := make([]byte, d.frameSize)
	copy(frame, d.buf[:d.frameSize])
	d.buf = d.buf[d.frameSize:]
	return frame, nil
}

// trimAccumulator drops the oldest complete frames from buf when it
// exceeds cap, keeping frame alignment so the remainder is still a valid
// multiple-of-frameSize prefix to append future reads onto (spec §5
// "Backpressure": a stalled consumer must not grow memory unbounded).
func trimAccumulator(buf []byte, cap, frameSize int) []byte {
	if len(buf) <= cap {
		return buf
	}
	overflow := len(buf) - cap
	overflow -= overflow % frameSize
	if overflow <= 0 {
		return buf
	}
	return buf[overflow:]
}

// FrameIntervalHint returns 0: network mode runs as fast as the decoder feeds.
func (d *DecoderSource) FrameIntervalHint() time.Duration { return 0 }

// Close terminates the decoder process and waits for the stderr drainer.
func (d *DecoderSource) Close() error {
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	d.wg.Wait()
	return d.cmd.Wait()
}

// SampleResourceUsage polls the decoder subprocess's CPU/RSS via gopsutil.
// The worker hands each sample to its OnResourceSample hook, which feeds
// the per-aula decoder health check, so operators can see decoder health
// without parsing a proprietary status line.
func (d *DecoderSource) SampleResourceUsage() (cpuPercent float64, rssBytes uint64, err error) {
	proc, err := process.NewProcess(d.decoderPID)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup decoder process: %w", err)
	}
	cpuPercent, err = proc.CPUPercent()
	if err != nil {
		return 0, 0, fmt.Errorf("decoder cpu percent: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return cpuPercent, 0, fmt.Errorf("decoder memory info: %w", err)
	}
	d.mu.Lock()
	d.decoderRSS = memInfo.RSS
	d.mu.Unlock()
	return cpuPercent, memInfo.RSS, nil
}
