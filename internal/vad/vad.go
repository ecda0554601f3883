// Package vad implements the per-call voice-activity-detection state
// machine that turns a continuous stream of fixed-size audio windows into
// variable-length speech chunks. One State is created per call at
// activation and destroyed at deactivation; it is never shared across
// calls.
package vad

import "math"

// Tunable parameters, expressed as durations/ratios of the configured
// sample rate rather than hard sample counts, so the same state machine
// serves both the 8 kHz window cadence and a 16 kHz variant without
// duplicating the transition logic.
const (
	windowDuration   = 20 * windowMillisecondUnit
	hangoverDuration = 900 * windowMillisecondUnit
	minChunkDuration = 800 * windowMillisecondUnit
	maxChunkDuration = 4000 * windowMillisecondUnit
	preRollDuration  = 350 * windowMillisecondUnit
	tailOverlap      = 250 * windowMillisecondUnit

	windowMillisecondUnit = 1 // duration constants above are in milliseconds

	baseEnergy   = 0.02
	startFactor  = 1.05
	stopFactor   = 0.5
)

// phase is the two-state machine described in the component design: IDLE
// while waiting for speech onset, SPEAKING while accumulating a chunk.
type phase int

const (
	phaseIdle phase = iota
	phaseSpeaking
)

// State is the per-call VAD state machine. All sample buffers are at the
// sample rate passed to New; callers are responsible for resampling
// emitted chunks to whatever rate the downstream consumer expects.
type State struct {
	sampleRate int
	window     int // samples per window

	startThr float64
	stopThr  float64

	hangoverWindows int
	minChunkSamples int
	maxChunkSamples int
	preRollSamples  int
	tailOverlapSamples int

	phase              phase
	silenceWindows     int
	consecutiveSpeech  int
	consecutiveSilence int

	preroll      []float32 // ring buffer, fixed capacity preRollSamples
	prerollWrite int
	prerollFull  bool

	current []float32
}

// New creates a VAD state machine for audio at sampleRate, with a window
// length of windowMs milliseconds (20ms matches the telephony frame
// cadence; callers resampling to 16 kHz MAY use a 10ms window instead).
func New(sampleRate int, windowMs int) *State {
	window := sampleRate * windowMs / 1000
	s := &State{
		sampleRate:         sampleRate,
		window:             window,
		startThr:           baseEnergy * startFactor,
		stopThr:             baseEnergy * stopFactor,
		hangoverWindows:    msToWindows(hangoverDuration, windowMs),
		minChunkSamples:    sampleRate * minChunkDuration / 1000,
		maxChunkSamples:    sampleRate * maxChunkDuration / 1000,
		preRollSamples:     sampleRate * preRollDuration / 1000,
		tailOverlapSamples: sampleRate * tailOverlap / 1000,
	}
	s.preroll = make([]float32, s.preRollSamples)
	s.current = make([]float32, 0, s.maxChunkSamples)
	return s
}

func msToWindows(durationMs, windowMs int) int {
	if windowMs == 0 {
		return 0
	}
	n := durationMs / windowMs
	if n == 0 {
		n = 1
	}
	return n
}

// rms computes the root-mean-square energy of one window of samples.
func rms(window []float32) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(window)))
}

func (s *State) pushPreroll(window []float32) {
	for _, v := range window {
		s.preroll[s.prerollWrite] = v
		s.prerollWrite = (s.prerollWrite + 1) % len(s.preroll)
		if s.prerollWrite == 0 {
			s.prerollFull = true
		}
	}
}

// prerollSnapshot returns the ring buffer contents in chronological order.
func (s *State) prerollSnapshot() []float32 {
	if !s.prerollFull {
		return append([]float32(nil), s.preroll[:s.prerollWrite]...)
	}
	out := make([]float32, len(s.preroll))
	copy(out, s.preroll[s.prerollWrite:])
	copy(out[len(s.preroll)-s.prerollWrite:], s.preroll[:s.prerollWrite])
	return out
}

// Push feeds one window of samples (exactly State's window length, though
// Push tolerates a shorter final window) into the state machine. It
// returns a non-nil chunk whenever a chunk is emitted, which happens at
// most once per call.
func (s *State) Push(window []float32) []float32 {
	energy := rms(window)

	switch s.phase {
	case phaseIdle:
		s.pushPreroll(window)
		if energy > s.startThr {
			s.consecutiveSpeech++
		} else {
			s.consecutiveSpeech = 0
		}
		if s.consecutiveSpeech >= 1 {
			s.phase = phaseSpeaking
			s.silenceWindows = 0
			// s.current already holds the tail-overlap seed carried over by
			// the previous emit(); prepend the pre-roll snapshot rather than
			// truncating it away.
			s.current = append(append(s.prerollSnapshot(), s.current...), window...)
		}
		return nil

	case phaseSpeaking:
		s.current = append(s.current, window...)
		if energy <= s.stopThr {
			s.silenceWindows++
		} else {
			s.silenceWindows = 0
		}

		if s.silenceWindows >= s.hangoverWindows && len(s.current) >= s.minChunkSamples {
			return s.emit()
		}
		if len(s.current) >= s.maxChunkSamples {
			return s.emit()
		}
		return nil
	}
	return nil
}

// emit finalizes the current chunk, seeds the next chunk's tail overlap,
// and returns to IDLE.
func (s *State) emit() []float32 {
	chunk := append([]float32(nil), s.current...)

	overlap := s.tailOverlapSamples
	if overlap > len(chunk) {
		overlap = len(chunk)
	}
	seed := append([]float32(nil), chunk[len(chunk)-overlap:]...)

	s.phase = phaseIdle
	s.silenceWindows = 0
	s.consecutiveSpeech = 0
	s.consecutiveSilence = 0
	s.current = append(s.current[:0], seed...)
	s.prerollWrite = 0
	s.prerollFull = false

	return chunk
}

// Flush forces emission of whatever chunk is in progress, used when a
// call ends mid-utterance. The final chunk of a call may be shorter than
// minChunkSamples.
func (s *State) Flush() []float32 {
	if s.phase != phaseSpeaking || len(s.current) == 0 {
		return nil
	}
	return s.emit()
}
