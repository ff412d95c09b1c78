package readiness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deckline/backend/internal/audio"
)

func TestEvaluateSystemMethod(t *testing.T) {
	in := Input{
		Acquired:  true,
		Source:    audio.State{Method: audio.MethodSystem, Connected: true, Amplitude: 0.4},
		Threshold: 0.01,
	}
	cl := Evaluate(in)
	assert.True(t, cl.CanGoLive)
	assert.Len(t, cl.Items, 2)

	// Silence keeps the levels item unsatisfied.
	in.Source.Amplitude = 0.0
	cl = Evaluate(in)
	assert.False(t, cl.CanGoLive)
	assert.True(t, cl.Items[0].Satisfied, "permission")
	assert.False(t, cl.Items[1].Satisfied, "levels")
}

func TestEvaluateDeviceMethod(t *testing.T) {
	base := Input{
		Acquired:  true,
		Source:    audio.State{Method: audio.MethodDevice, Label: "Pioneer DJM-900", Connected: true, Amplitude: 0.3},
		Threshold: 0.01,
	}

	cl := Evaluate(base)
	assert.True(t, cl.CanGoLive)
	assert.Len(t, cl.Items, 3)

	t.Run("disconnected device", func(t *testing.T) {
		in := base
		in.Source.Connected = false
		cl := Evaluate(in)
		assert.False(t, cl.CanGoLive)
		assert.False(t, cl.Items[0].Satisfied, "connected")
		assert.False(t, cl.Items[2].Satisfied, "levels")
	})

	t.Run("built-in mic", func(t *testing.T) {
		in := base
		in.Source.Label = "MacBook Pro Microphone (Built-in)"
		cl := Evaluate(in)
		assert.False(t, cl.CanGoLive)
		assert.False(t, cl.Items[1].Satisfied, "external")
	})
}

func TestEvaluateIngressMethod(t *testing.T) {
	in := Input{
		Acquired: true,
		Source:   audio.State{Method: audio.MethodIngress, Connected: true},
	}
	cl := Evaluate(in)
	assert.True(t, cl.CanGoLive)
	assert.Len(t, cl.Items, 1)

	in.Source.Connected = false
	assert.False(t, Evaluate(in).CanGoLive)
}

func TestEvaluateNoSource(t *testing.T) {
	cl := Evaluate(Input{})
	assert.False(t, cl.CanGoLive)
	assert.Len(t, cl.Items, 1)
	assert.False(t, cl.Items[0].Satisfied)
}

func TestEvaluateNotSticky(t *testing.T) {
	// A previously satisfied checklist offers no protection: each call
	// recomputes from the current state only.
	in := Input{
		Acquired:  true,
		Source:    audio.State{Method: audio.MethodSystem, Connected: true, Amplitude: 0.5},
		Threshold: 0.01,
	}
	assert.True(t, Evaluate(in).CanGoLive)

	in.Source.Connected = false
	in.Source.Amplitude = 0
	assert.False(t, Evaluate(in).CanGoLive)

	in.Source.Connected = true
	in.Source.Amplitude = 0.5
	assert.True(t, Evaluate(in).CanGoLive)
}

func TestIsBuiltInMic(t *testing.T) {
	assert.True(t, IsBuiltInMic("MacBook Air Microphone"))
	assert.True(t, IsBuiltInMic("Internal Microphone"))
	assert.True(t, IsBuiltInMic("Default - Mic Array"))
	assert.False(t, IsBuiltInMic("Scarlett 2i2 USB"))
	assert.False(t, IsBuiltInMic("Pioneer DJM-900"))
	assert.False(t, IsBuiltInMic(""))
}

func TestPublishing(t *testing.T) {
	assert.True(t, Publishing(Input{Acquired: true, Source: audio.State{Connected: true}}))
	assert.False(t, Publishing(Input{Acquired: true, Source: audio.State{Connected: false}}))
	assert.False(t, Publishing(Input{Acquired: false}))
}
