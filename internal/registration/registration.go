// Package registration implements the triangular REGISTER/BYE datagram
// protocol used to wire the audio-plane fabric together at call start and
// tear it down at call end. The protocol is deliberately tiny: ASCII,
// no length prefix, no trailing newline, exactly two verbs.
package registration

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Verb identifies which of the two datagram forms was parsed.
type Verb int

const (
	// VerbRegister announces that a consumer wants a stream wired up for CallID.
	VerbRegister Verb = iota
	// VerbBye tears down the stream for CallID.
	VerbBye
)

func (v Verb) String() string {
	switch v {
	case VerbRegister:
		return "REGISTER"
	case VerbBye:
		return "BYE"
	default:
		return "UNKNOWN"
	}
}

// Datagram is a parsed REGISTER or BYE message.
type Datagram struct {
	Verb   Verb
	CallID int
}

// ErrMalformed is returned when a datagram is not one of the two known
// verbs, or its call_id is not decimal. Per the wire contract this is a
// log-and-ignore condition, never a crash.
var ErrMalformed = errors.New("registration: malformed datagram")

// Parse decodes a raw UDP payload into a Datagram. Whitespace around the
// call_id is stripped; non-decimal content is rejected with ErrMalformed.
func Parse(payload []byte) (Datagram, error) {
	s := string(payload)
	var verb Verb
	var rest string
	switch {
	case strings.HasPrefix(s, "REGISTER:"):
		verb = VerbRegister
		rest = s[len("REGISTER:"):]
	case strings.HasPrefix(s, "BYE:"):
		verb = VerbBye
		rest = s[len("BYE:"):]
	default:
		return Datagram{}, fmt.Errorf("%w: unrecognized verb in %q", ErrMalformed, s)
	}

	rest = strings.TrimSpace(rest)
	id, err := strconv.Atoi(rest)
	if err != nil || id < 0 {
		return Datagram{}, fmt.Errorf("%w: bad call_id in %q", ErrMalformed, s)
	}
	return Datagram{Verb: verb, CallID: id}, nil
}

// EncodeRegister renders a REGISTER datagram for callID.
func EncodeRegister(callID int) []byte {
	return []byte(fmt.Sprintf("REGISTER:%d", callID))
}

// EncodeBye renders a BYE datagram for callID.
func EncodeBye(callID int) []byte {
	return []byte(fmt.Sprintf("BYE:%d", callID))
}

// Advertisement is a short-lived, purely advisory record announcing a
// stream endpoint. It is never a source of truth for routing; that's the
// job of REGISTER plus the deterministic port scheme below.
type Advertisement struct {
	ID         string
	CallID     int
	TCPPort    int
	StreamType string
	SampleRate int
	Channels   int
}

// NewAdvertisement stamps a fresh advisory identifier onto a stream
// endpoint announcement. The identifier is never consulted for routing
// (REGISTER plus the deterministic port scheme is authoritative); it
// exists purely so multiple concurrent advertisements for the same call
// can be told apart in logs and diagnostics.
func NewAdvertisement(callID, tcpPort int, streamType string, sampleRate, channels int) Advertisement {
	return Advertisement{
		ID:         uuid.NewString(),
		CallID:     callID,
		TCPPort:    tcpPort,
		StreamType: streamType,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// Deterministic port offsets, shared by every component that derives a
// per-call port from a base and a call_id (see external interfaces).
const (
	SttRegistrationPort  = 13000
	TtsRegistrationBase  = 13000
	TtsMirrorPort        = 13001
	InboundAudioBase     = 9001
	OutboundAudioBase    = 9002
	SttToLLMPort         = 8083
	LLMToTTSPort         = 8090
)

// InboundAudioPort returns the TCP port the inbound audio processor
// listens on for the given call.
func InboundAudioPort(callID int) int { return InboundAudioBase + callID }

// OutboundAudioPort returns the TCP port the TTS server listens on for
// the given call, and that the outbound audio processor connects to.
func OutboundAudioPort(callID int) int { return OutboundAudioBase + callID }

// OutboundRegistrationPort returns the UDP port the outbound audio
// processor listens on for its own REGISTER handshake.
func OutboundRegistrationPort(callID int) int { return TtsRegistrationBase + callID }
