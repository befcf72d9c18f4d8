package sdp

import (
	"sort"
	"strings"

	"github.com/ourshop/streamgate/internal/core"
)

// InjectRemoteCandidates splices the SFU's trickled candidates into the SDP
// answer as a=candidate lines, so clients with no server-to-client trickle
// channel still learn the remote paths. Candidates resolve to a media section
// by media id first, media line index second; in BUNDLE mode a candidate with
// neither is safe to attach to the first section. Sections are patched bottom
// to top so earlier insertion points stay valid, and every section that
// received a candidate gets an end-of-candidates marker.
func InjectRemoteCandidates(answer string, candidates []core.IceCandidate) string {
	if strings.TrimSpace(answer) == "" || len(candidates) == 0 {
		return answer
	}

	normalized := strings.ReplaceAll(answer, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	normalized = strings.ReplaceAll(normalized, "\n", "\r\n")
	lines := strings.Split(normalized, "\r\n")

	// A trailing CRLF splits into an empty last element; drop it so
	// end-of-document insertions land on the last real line.
	trailingNewline := false
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		trailingNewline = true
		lines = lines[:len(lines)-1]
	}

	var mLineStarts []int
	for i, line := range lines {
		if strings.HasPrefix(line, "m=") {
			mLineStarts = append(mLineStarts, i)
		}
	}
	if len(mLineStarts) == 0 {
		return answer
	}

	midToSection := make(map[string]int)
	for sectionIndex, start := range mLineStarts {
		end := len(lines)
		if sectionIndex+1 < len(mLineStarts) {
			end = mLineStarts[sectionIndex+1]
		}
		for i := start; i < end; i++ {
			if strings.HasPrefix(lines[i], "a=mid:") {
				mid := strings.TrimSpace(strings.TrimPrefix(lines[i], "a=mid:"))
				if mid != "" {
					midToSection[mid] = sectionIndex
				}
				break
			}
		}
	}

	bySection := make(map[int][]core.IceCandidate)
	for _, c := range candidates {
		sectionIndex := 0
		switch {
		case c.SDPMid != nil && hasSection(midToSection, *c.SDPMid):
			sectionIndex = midToSection[*c.SDPMid]
		case c.SDPMLineIndex != nil && int(*c.SDPMLineIndex) < len(mLineStarts):
			sectionIndex = int(*c.SDPMLineIndex)
		}
		bySection[sectionIndex] = append(bySection[sectionIndex], c)
	}

	sectionIndices := make([]int, 0, len(bySection))
	for idx := range bySection {
		sectionIndices = append(sectionIndices, idx)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sectionIndices)))

	for _, sectionIndex := range sectionIndices {
		insertAt := len(lines)
		if sectionIndex+1 < len(mLineStarts) {
			insertAt = mLineStarts[sectionIndex+1]
		}

		insertedAny := false
		for _, c := range bySection[sectionIndex] {
			if c.Completed {
				lines = insertLine(lines, insertAt, "a=end-of-candidates")
				insertAt++
				insertedAny = true
				continue
			}

			candidate := strings.TrimSpace(c.Candidate)
			if candidate == "" {
				continue
			}

			// The SFU's candidate text already starts with "candidate:";
			// an SDP line is "a=<attribute>".
			lines = insertLine(lines, insertAt, "a="+candidate)
			insertAt++
			insertedAny = true
		}

		if insertedAny {
			lines = insertLine(lines, insertAt, "a=end-of-candidates")
		}
	}

	patched := strings.Join(lines, "\r\n")
	if trailingNewline {
		patched += "\r\n"
	}

	return patched
}

func hasSection(midToSection map[string]int, mid string) bool {
	_, ok := midToSection[mid]
	return ok
}

func insertLine(lines []string, at int, line string) []string {
	lines = append(lines, "")
	copy(lines[at+1:], lines[at:])
	lines[at] = line
	return lines
}
