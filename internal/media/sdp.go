package media

import (
	"regexp"
	"strings"
)

var rtxRtpmapPattern = regexp.MustCompile(`^a=rtpmap:(\d+) rtx/90000`)

// StripRTX removes every RTX codec from an SDP: each rtx rtpmap line plus
// the fmtp and rtcp-fb lines that reference its payload type. The result is
// CRLF joined with a trailing CRLF.
func StripRTX(sdp string) string {
	lines := strings.Split(strings.ReplaceAll(sdp, "\r\n", "\n"), "\n")

	rtxPayloadTypes := make(map[string]struct{})
	for _, line := range lines {
		if m := rtxRtpmapPattern.FindStringSubmatch(line); m != nil {
			rtxPayloadTypes[m[1]] = struct{}{}
		}
	}

	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" && len(kept) > 0 && kept[len(kept)-1] == "" {
			continue
		}
		if referencesRTX(line, rtxPayloadTypes) {
			continue
		}
		kept = append(kept, line)
	}
	for len(kept) > 0 && kept[len(kept)-1] == "" {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "\r\n") + "\r\n"
}

func referencesRTX(line string, payloadTypes map[string]struct{}) bool {
	for pt := range payloadTypes {
		if strings.HasPrefix(line, "a=rtpmap:"+pt+" ") ||
			strings.HasPrefix(line, "a=fmtp:"+pt+" ") ||
			strings.HasPrefix(line, "a=rtcp-fb:"+pt+" ") {
			return true
		}
	}
	return false
}
