package ring

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zde37/tokenring/pkg"
)

const (
	tokenMarker = "TOKEN"
	dataPrefix  = "DATA"
	fieldSep    = ":"
)

// FrameKind distinguishes the two frames carried on the ring.
type FrameKind int

const (
	FrameToken FrameKind = iota
	FrameData
)

func (k FrameKind) String() string {
	switch k {
	case FrameToken:
		return "token"
	case FrameData:
		return "data"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is one decoded protocol message. Dest and Payload are only
// meaningful for data frames.
type Frame struct {
	Kind    FrameKind
	Dest    int
	Payload string
}

// TokenFrame returns the frame that cedes the token to the successor.
func TokenFrame() Frame {
	return Frame{Kind: FrameToken}
}

// DataFrame returns a data frame addressed to dest.
func DataFrame(dest int, payload string) Frame {
	return Frame{Kind: FrameData, Dest: dest, Payload: payload}
}

// IsToken reports whether f is a token frame.
func (f Frame) IsToken() bool {
	return f.Kind == FrameToken
}

// Encode renders the frame as a wire line without the trailing newline.
func (f Frame) Encode() string {
	if f.Kind == FrameToken {
		return tokenMarker
	}
	return dataPrefix + fieldSep + strconv.Itoa(f.Dest) + fieldSep + f.Payload
}

func (f Frame) String() string {
	if f.Kind == FrameToken {
		return "Frame{TOKEN}"
	}
	return fmt.Sprintf("Frame{DATA dest=%d payload=%q}", f.Dest, f.Payload)
}

// Decode parses a single wire line. Only the first two separators of a DATA
// line are significant; the payload keeps any further colons. The
// destination must be canonical decimal, with no plus sign or leading zeros,
// so every decoded frame encodes back to the line it came from.
func Decode(line string) (Frame, error) {
	line = strings.TrimSuffix(line, "\r")

	if line == tokenMarker {
		return TokenFrame(), nil
	}

	if !strings.HasPrefix(line, dataPrefix+fieldSep) {
		return Frame{}, fmt.Errorf("%w: %q", pkg.ErrUnknownFrame, line)
	}

	parts := strings.SplitN(line, fieldSep, 3)
	if len(parts) < 3 {
		return Frame{}, fmt.Errorf("%w: missing payload in %q", pkg.ErrMalformedFrame, line)
	}

	dest, err := strconv.Atoi(parts[1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: destination %q is not an integer", pkg.ErrMalformedFrame, parts[1])
	}
	if strconv.Itoa(dest) != parts[1] {
		return Frame{}, fmt.Errorf("%w: destination %q is not in canonical form", pkg.ErrMalformedFrame, parts[1])
	}

	return DataFrame(dest, parts[2]), nil
}
