package bitrate

import (
	"strconv"
	"strings"

	"sharescreen/pkg/signal"
)

const (
	fmtpPrefix = "a=fmtp:"

	paramStartBitrate = "x-google-start-bitrate"
	paramMaxBitrate   = "x-google-max-bitrate"
	paramMinBitrate   = "x-google-min-bitrate"
	paramMaxFramerate = "max-fr"
)

// Rewrite injects p into every codec parameter line of d. Parameters that p
// controls are stripped before injection, so rewriting twice with the same
// policy is a no-op.
func Rewrite(d signal.Description, p Policy) signal.Description {
	lines := strings.Split(d.SDP, "\n")
	video := false

	for i, line := range lines {
		body := strings.TrimSuffix(line, "\r")

		if strings.HasPrefix(body, "m=") {
			video = strings.HasPrefix(body, "m=video")

			continue
		}

		if rewritten, ok := rewriteFmtp(body, p, video); ok {
			lines[i] = rewritten + line[len(body):]
		}
	}

	return signal.Description{Kind: d.Kind, SDP: strings.Join(lines, "\n")}
}

func rewriteFmtp(line string, p Policy, video bool) (string, bool) {
	rest, ok := strings.CutPrefix(line, fmtpPrefix)
	if !ok {
		return "", false
	}

	pt, params, _ := strings.Cut(rest, " ")
	if !isPayloadType(pt) {
		return "", false
	}

	attrs := p.attributes(video)

	// Parameters p does not control are kept byte for byte.
	var kept []string

	if len(params) != 0 {
		for _, param := range strings.Split(params, ";") {
			key, _, _ := strings.Cut(param, "=")
			if p.controls(strings.TrimSpace(key), video) {
				continue
			}

			kept = append(kept, param)
		}
	}

	attrs = append(attrs, kept...)

	if len(attrs) == 0 {
		return line, true
	}

	return fmtpPrefix + pt + " " + strings.Join(attrs, ";"), true
}

func (p Policy) attributes(video bool) []string {
	var attrs []string

	add := func(key string, value int) {
		if value > 0 {
			attrs = append(attrs, key+"="+strconv.Itoa(value))
		}
	}

	add(paramStartBitrate, p.StartBitrateBps)
	add(paramMaxBitrate, p.MaxBitrateBps)
	add(paramMinBitrate, p.MinBitrateBps)

	if video {
		add(paramMaxFramerate, p.MaxFramerate)
	}

	return attrs
}

func (p Policy) controls(key string, video bool) bool {
	switch key {
	case paramStartBitrate:
		return p.StartBitrateBps > 0
	case paramMaxBitrate:
		return p.MaxBitrateBps > 0
	case paramMinBitrate:
		return p.MinBitrateBps > 0
	case paramMaxFramerate:
		return video && p.MaxFramerate > 0
	}

	return false
}

// isPayloadType reports whether s is a dynamic or static RTP payload type.
func isPayloadType(s string) bool {
	n, err := strconv.Atoi(s)

	return err == nil && n >= 0 && n <= 127 && s == strconv.Itoa(n)
}
