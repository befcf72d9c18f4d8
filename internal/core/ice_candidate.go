package core

import (
	"strconv"

	"github.com/pion/webrtc/v3"
)

// IceCandidate is one trickled ICE message, either a candidate or the
// end-of-candidates marker (Completed). The same shape is used for
// client-to-SFU trickle and for remote candidates polled back from the SFU.
type IceCandidate struct {
	webrtc.ICECandidateInit
	Completed bool `json:"completed,omitempty"`
}

// DedupeKey identifies a candidate by its text, media id and media line
// index. Two candidates with the same key are the same message.
func (c IceCandidate) DedupeKey() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	mLineIndex := ""
	if c.SDPMLineIndex != nil {
		mLineIndex = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return c.Candidate + "|" + mid + "|" + mLineIndex
}

// DedupeCandidates drops duplicate candidates, keeping first occurrences
// in order.
func DedupeCandidates(candidates []IceCandidate) []IceCandidate {
	if len(candidates) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]IceCandidate, 0, len(candidates))
	for _, c := range candidates {
		key := c.DedupeKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}

	return out
}
