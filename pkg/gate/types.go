package gate

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownKind is returned for asset kinds the gate cannot probe.
	ErrUnknownKind = errors.New("unknown asset kind")
	// ErrNoProber is returned when no prober is configured for an asset kind.
	ErrNoProber = errors.New("no prober configured")
)

// Kind tags how an asset is probed.
type Kind int

const (
	KindImage Kind = iota + 1
	KindVideoMetadata
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideoMetadata:
		return "video-metadata"
	default:
		return "unknown"
	}
}

// ParseKind parses a kind name. It accepts "image" and "video-metadata"
// (or the shorter "video"), case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "img":
		return KindImage, nil
	case "video-metadata", "video_metadata", "videometadata", "video":
		return KindVideoMetadata, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindImage && k != KindVideoMetadata {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Asset describes one critical asset. Assets are configuration and never
// change during a run.
type Asset struct {
	URL  string `json:"url"`
	Kind Kind   `json:"kind"`
}

// Outcome is the settled result of one probe. Failure and TimedOut are
// counted like Success; they only differ in reporting.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "success":
		*o = OutcomeSuccess
	case "failure":
		*o = OutcomeFailure
	case "timed_out":
		*o = OutcomeTimedOut
	default:
		return fmt.Errorf("unknown outcome %q", string(b))
	}
	return nil
}

// State is one snapshot observed by the presentation layer.
type State struct {
	Loading  bool `json:"loading"`
	Progress int  `json:"progress"`
}

// Phase is the gate's lifecycle position.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseProbing
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseProbing:
		return "probing"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a run stopped probing.
type CloseReason string

const (
	ReasonSettled      CloseReason = "settled"
	ReasonCeiling      CloseReason = "ceiling"
	ReasonWiringFailed CloseReason = "wiring_failed"
	ReasonCancelled    CloseReason = "cancelled"
)

// ProbeReport describes one settled probe.
type ProbeReport struct {
	Unit    string        `json:"unit"`
	Kind    string        `json:"kind"`
	Outcome Outcome       `json:"outcome"`
	Elapsed time.Duration `json:"elapsed"`
	Err     string        `json:"error,omitempty"`
}

// Result summarizes a finished run.
type Result struct {
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Progress  int           `json:"progress"`
	Reason    CloseReason   `json:"reason"`
	Probes    []ProbeReport `json:"probes"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Counts tallies probe outcomes.
func (r Result) Counts() (success, failure, timedOut int) {
	for _, p := range r.Probes {
		switch p.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeFailure:
			failure++
		case OutcomeTimedOut:
			timedOut++
		}
	}
	return success, failure, timedOut
}

// Progress returns round(100 * completed / total), clamped to [0,100].
func Progress(completed, total int) int {
	if total <= 0 {
		return 100
	}
	if completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	// integer form of math.Round for non-negative values
	return (200*completed + total) / (2 * total)
}
