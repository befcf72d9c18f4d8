// Package sdp transforms the SDP documents the gateway passes between the
// publishing client, the SFU and the transcoder: offer normalization and
// validation, payload type extraction, transcoder descriptor generation and
// remote candidate injection.
package sdp

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ourshop/streamgate/internal/core"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaSection is one m= block of an offer: its declared payload types in
// order, and the rtpmap/fmtp/rtcp-fb lines keyed by payload type.
type MediaSection struct {
	Kind         MediaKind
	PayloadTypes []string
	Attributes   map[string][]string
}

// Offer is the subset of a parsed SDP offer the transcoder descriptor needs.
type Offer struct {
	Audio *MediaSection
	Video *MediaSection
}

// googleParamContinuation matches a vendor-specific fmtp token that some
// mobile clients incorrectly wrap onto its own line; the SFU's SDP parser
// chokes on it unless it is rejoined.
var googleParamContinuation = regexp.MustCompile(`[\r\n]+;x-google-`)

// NormalizeOffer canonicalizes the offer's line endings to CRLF and rejoins
// wrapped x-google fmtp parameters. Returns ErrInvalidOffer for blank input
// or input not starting with the SDP version line.
func NormalizeOffer(offer string) (string, error) {
	if strings.TrimSpace(offer) == "" || !strings.HasPrefix(offer, "v=0") {
		return "", core.ErrInvalidOffer
	}

	normalized := strings.ReplaceAll(offer, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	normalized = strings.ReplaceAll(normalized, "\n", "\r\n")

	normalized = googleParamContinuation.ReplaceAllString(normalized, ";x-google-")

	return normalized, nil
}

// ValidatePublisherOffer rejects offers that cannot originate a publish:
// offers without any audio/video media line, and offers whose media sections
// are all receive-only or inactive.
func ValidatePublisherOffer(offer string) error {
	if strings.TrimSpace(offer) == "" {
		return core.ErrInvalidOffer
	}

	hasAudioOrVideo := strings.Contains(offer, "m=audio") || strings.Contains(offer, "m=video")
	if !hasAudioOrVideo {
		return fmt.Errorf("%w: no audio/video m-lines, publisher offer required", core.ErrInvalidOffer)
	}

	canSend := strings.Contains(offer, "a=sendonly") || strings.Contains(offer, "a=sendrecv")
	onlyRecvOrInactive := (strings.Contains(offer, "a=recvonly") || strings.Contains(offer, "a=inactive")) && !canSend

	if onlyRecvOrInactive {
		return fmt.Errorf("%w: offer is recvonly/inactive, add send-capable tracks to publish", core.ErrInvalidOffer)
	}

	return nil
}

// ParseOffer extracts the audio and video media sections of an offer. Only
// attribute lines whose payload type was declared on the section's m= line
// are attached to the section.
func ParseOffer(offer string) (*Offer, error) {
	if strings.TrimSpace(offer) == "" || !strings.HasPrefix(offer, "v=0") {
		return nil, core.ErrInvalidOffer
	}

	normalized := strings.ReplaceAll(offer, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	lines := strings.Split(normalized, "\n")

	parsed := &Offer{}
	var current *MediaSection

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "m=audio ") {
			section, err := parseMediaLine(line, MediaAudio)
			if err != nil {
				return nil, err
			}
			current = section
			parsed.Audio = section
			continue
		}
		if strings.HasPrefix(line, "m=video ") {
			section, err := parseMediaLine(line, MediaVideo)
			if err != nil {
				return nil, err
			}
			current = section
			parsed.Video = section
			continue
		}

		if current == nil {
			continue
		}

		for _, prefix := range []string{"a=rtpmap:", "a=fmtp:", "a=rtcp-fb:"} {
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			pt := extractPayloadType(line, prefix)
			if pt != "" && current.declares(pt) {
				current.Attributes[pt] = append(current.Attributes[pt], line)
			}
			break
		}
	}

	return parsed, nil
}

// SelectCodec picks the payload type the transcoder will consume: the first
// Opus mapping for audio, the first H264 mapping for video. Returns "" when
// the section maps neither; callers fall back to the first declared type.
// The raw-RTP input of the transcoder cannot juggle several codecs at once.
func SelectCodec(section *MediaSection) string {
	if section == nil {
		return ""
	}

	for _, pt := range section.PayloadTypes {
		for _, attr := range section.Attributes[pt] {
			if !strings.HasPrefix(attr, "a=rtpmap:") {
				continue
			}
			codec := strings.ToLower(attr)

			if section.Kind == MediaAudio && strings.Contains(codec, "opus/") {
				return pt
			}
			if section.Kind == MediaVideo && strings.Contains(codec, "h264/") {
				return pt
			}
		}
	}

	return ""
}

func (s *MediaSection) declares(pt string) bool {
	for _, declared := range s.PayloadTypes {
		if declared == pt {
			return true
		}
	}
	return false
}

func parseMediaLine(line string, kind MediaKind) (*MediaSection, error) {
	// Example: m=video 9 UDP/TLS/RTP/SAVPF 96 97 98
	parts := strings.Fields(line)
	if len(parts) < 4 {
		return nil, fmt.Errorf("%w: invalid m= line: %s", core.ErrInvalidOffer, line)
	}

	return &MediaSection{
		Kind:         kind,
		PayloadTypes: parts[3:],
		Attributes:   make(map[string][]string),
	}, nil
}

func extractPayloadType(line, prefix string) string {
	// a=rtpmap:96 H264/90000
	// a=fmtp:111 minptime=10;useinbandfec=1
	rest := line[len(prefix):]
	if space := strings.IndexByte(rest, ' '); space >= 0 {
		rest = rest[:space]
	}
	return strings.TrimSpace(rest)
}
