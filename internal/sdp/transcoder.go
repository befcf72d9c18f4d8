package sdp

import (
	"fmt"
	"strings"
)

// BuildTranscoderSDP renders the loopback, receive-only descriptor the
// transcoder's RTP demuxer reads. Each available media section is reduced to
// the selected codec's payload type and its attribute lines; sections with no
// Opus/H264 mapping fall back to their first declared payload type.
func BuildTranscoderSDP(audioPort, videoPort int, offer *Offer) string {
	var b strings.Builder

	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 127.0.0.1\r\n")
	b.WriteString("s=streamgate\r\n")
	b.WriteString("c=IN IP4 127.0.0.1\r\n")
	b.WriteString("t=0 0\r\n")

	if offer.Audio != nil {
		writeMediaSection(&b, offer.Audio, audioPort)
	}
	if offer.Video != nil {
		writeMediaSection(&b, offer.Video, videoPort)
	}

	return b.String()
}

func writeMediaSection(b *strings.Builder, section *MediaSection, port int) {
	selected := SelectCodec(section)

	var pts []string
	if selected != "" {
		pts = []string{selected}
	} else if len(section.PayloadTypes) > 0 {
		pts = section.PayloadTypes[:1]
	}

	fmt.Fprintf(b, "m=%s %d RTP/AVP", section.Kind, port)
	for _, pt := range pts {
		b.WriteString(" ")
		b.WriteString(pt)
	}
	b.WriteString("\r\n")
	b.WriteString("a=recvonly\r\n")

	for _, pt := range pts {
		for _, line := range section.Attributes[pt] {
			b.WriteString(line)
			b.WriteString("\r\n")
		}
	}
}
