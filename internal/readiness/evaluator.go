// Package readiness computes the go-live checklist. Evaluation is a pure
// function of the current audio source state so the checklist can never
// diverge from source truth: there is no accumulator, every tick recomputes
// from scratch.
package readiness

import (
	"strings"

	"github.com/deckline/backend/internal/audio"
)

// Item is one checklist entry shown to the operator.
type Item struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Satisfied bool   `json:"satisfied"`
}

// Checklist is the ordered go-live checklist. CanGoLive holds iff every item
// is satisfied.
type Checklist struct {
	Items     []Item `json:"items"`
	CanGoLive bool   `json:"can_go_live"`
}

// Input is everything an evaluation depends on.
type Input struct {
	Acquired  bool        // a source has been acquired for this session
	Source    audio.State // current source snapshot
	Threshold float64     // minimum amplitude counting as "levels detected"
}

// builtInMarkers flag device labels that look like an internal laptop mic
// rather than external DJ hardware.
var builtInMarkers = []string{"built-in", "builtin", "internal", "macbook", "default -"}

// IsBuiltInMic reports whether a device label looks like an internal mic.
func IsBuiltInMic(label string) bool {
	l := strings.ToLower(label)
	for _, m := range builtInMarkers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

// Evaluate recomputes the checklist for the input's capture method.
func Evaluate(in Input) Checklist {
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = 0.01
	}
	levels := in.Acquired && in.Source.Connected && in.Source.Amplitude > threshold

	var items []Item
	switch in.Source.Method {
	case audio.MethodSystem:
		items = []Item{
			{ID: "permission", Label: "Audio capture permission granted", Satisfied: in.Acquired},
			{ID: "levels", Label: "Audio levels detected", Satisfied: levels},
		}
	case audio.MethodDevice:
		items = []Item{
			{ID: "connected", Label: "Device connected", Satisfied: in.Acquired && in.Source.Connected},
			{ID: "external", Label: "External device selected", Satisfied: in.Acquired && !IsBuiltInMic(in.Source.Label)},
			{ID: "levels", Label: "Audio levels detected", Satisfied: levels},
		}
	case audio.MethodIngress:
		items = []Item{
			{ID: "stream", Label: "Stream connected", Satisfied: in.Acquired && in.Source.Connected},
		}
	default:
		items = []Item{
			{ID: "source", Label: "Audio source selected", Satisfied: false},
		}
	}

	canGoLive := true
	for _, it := range items {
		if !it.Satisfied {
			canGoLive = false
			break
		}
	}
	return Checklist{Items: items, CanGoLive: canGoLive}
}

// Publishing reports whether a live session is still putting audio out.
// While Live the checklist is not shown, but this flag drives the
// "not publishing" troubleshoot affordance; a dropped source is reported,
// not fatal.
func Publishing(in Input) bool {
	return in.Acquired && in.Source.Connected
}
