package signaling

import (
	"net"

	"github.com/rs/zerolog/log"
)

const fallbackRtpPortBase = 40000

// findFreeRtpPortPair picks a free even UDP port for audio and the next even
// one for video by letting the kernel assign an ephemeral port. RTP ports are
// even by convention, odd ones being reserved for RTCP. Allocation failures
// fall back to a fixed base.
func findFreeRtpPortPair() (audioPort, videoPort int) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		log.Warn().Err(err).Str("service", "signaling").Msg("can't probe for a free udp port, using fallback")
		return fallbackRtpPortBase, fallbackRtpPortBase + 2
	}

	base := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()

	if base%2 != 0 {
		base--
	}
	if base < 1024 {
		base = fallbackRtpPortBase
	}

	return base, base + 2
}
