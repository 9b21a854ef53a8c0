package classreg_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runloop-dev/runloop/workflow/classreg"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestEncodeDecodeRoundTripsWhenRegistered(t *testing.T) {
	reg := classreg.New()
	reg.Register("pkg/point.go#Point", "Point", func(data json.RawMessage) (any, error) {
		var p point
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	})

	ref, err := reg.Encode("pkg/point.go#Point", "Point", point{X: 1, Y: 2})
	require.NoError(t, err)

	decoded, err := reg.Decode(ref)
	require.NoError(t, err)
	require.Equal(t, point{X: 1, Y: 2}, decoded)
}

func TestDecodeDowngradesWhenUnregistered(t *testing.T) {
	reg := classreg.New()
	ref, err := classreg.New().Encode("pkg/point.go#Point", "Point", point{X: 1, Y: 2})
	require.NoError(t, err)

	decoded, err := reg.Decode(ref)
	require.NoError(t, err)
	cir, ok := decoded.(classreg.ClassInstanceRef)
	require.True(t, ok)
	require.Equal(t, "Point", cir.ClassName)
}

func TestDecodeFallsBackToMainContextRegistry(t *testing.T) {
	main := classreg.New()
	main.Register("pkg/point.go#Point", "Point", func(data json.RawMessage) (any, error) {
		var p point
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	})

	isolated := classreg.New()
	isolated.Fallback = main

	ref, err := main.Encode("pkg/point.go#Point", "Point", point{X: 3, Y: 4})
	require.NoError(t, err)

	decoded, err := isolated.Decode(ref)
	require.NoError(t, err)
	require.Equal(t, point{X: 3, Y: 4}, decoded)
}

func TestRegisterPanicsOnConflictingRename(t *testing.T) {
	reg := classreg.New()
	reg.Register("id-1", "Foo", func(json.RawMessage) (any, error) { return nil, nil })
	require.Panics(t, func() {
		reg.Register("id-1", "Bar", func(json.RawMessage) (any, error) { return nil, nil })
	})
}
