package session

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/aulavision/ingest/internal/logging"
)

// RTPRelay listens for the incoming RTP/UDP H.264 stream described by the
// SDP document generated at service start, depacketizes it into an
// Annex-B bitstream, and writes it to a decoder subprocess's stdin —
// giving the decoder a raw elementary stream instead of making it do its
// own UDP/RTP handling. Used when aulavision itself owns the UDP socket
// rather than delegating RTP reception to the decoder binary.
type RTPRelay struct {
	conn *net.UDPConn
	dst  io.WriteCloser
	pkt  codecs.H264Packet
}

// NewRTPRelay binds a UDP listener on host:port and prepares to forward
// depacketized NAL units to dst (typically a decoder subprocess's stdin).
func NewRTPRelay(host string, port int, dst io.WriteCloser) (*RTPRelay, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen rtp udp %s:%d: %w", host, port, err)
	}
	return &RTPRelay{conn: conn, dst: dst}, nil
}

// Run reads RTP packets until ctx is cancelled or the socket errors,
// depacketizing H.264 payloads and writing the resulting NAL units to dst.
func (r *RTPRelay) Run(ctx context.Context) error {
	buf := make([]byte, 1500)
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rtp read: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug("dropping malformed rtp packet", logging.KeyError, err)
			continue
		}

		nal, err := r.pkt.Unmarshal(pkt.Payload)
		if err != nil || len(nal) == 0 {
			continue // partial/non-decodable payload: absorb and continue (spec §7 transient input)
		}

		if _, err := r.dst.Write(nal); err != nil {
			return fmt.Errorf("write nal to decoder stdin: %w", err)
		}
	}
}

// Close closes the UDP listener and the downstream writer.
func (r *RTPRelay) Close() error {
	_ = r.conn.Close()
	return r.dst.Close()
}
