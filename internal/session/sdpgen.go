package session

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// GenerateSDP builds the SDP session description advertised to edge
// devices at service start (spec §6): H.264 over RTP/UDP, carrying the
// service's IP and the configured port (default 5000).
func GenerateSDP(serviceIP string, port int) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: serviceIP,
		},
		SessionName: sdp.SessionName("aulavision-ingest"),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: serviceIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "video",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"96"},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap", "96 H264/90000"),
					sdp.NewAttribute("recvonly", ""),
				},
			},
		},
	}

	raw, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return raw, nil
}
