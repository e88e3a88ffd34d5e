package step

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/tablefate/core/fate/fateid"
)

type regTestStep struct {
	Count int `json:"count"`
}

func (s *regTestStep) Name() string { return "registrytest.regTestStep" }
func (s *regTestStep) Ready(ctx context.Context, id fateid.FateID, env Env) (int64, error) {
	return 0, nil
}
func (s *regTestStep) Call(ctx context.Context, id fateid.FateID, env Env) (Step, error) {
	return nil, nil
}
func (s *regTestStep) Undo(ctx context.Context, id fateid.FateID, env Env) error { return nil }

type taggedStep struct{ regTestStep }

func (s *taggedStep) Tag() string { return "registrytest.customTag" }

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register("registrytest.regTestStep", func(version int, payload json.RawMessage) (Step, error) {
		var s regTestStep
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, err
		}
		return &s, nil
	})
	r.Register("registrytest.customTag", func(version int, payload json.RawMessage) (Step, error) {
		var s taggedStep
		if err := json.Unmarshal(payload, &s.regTestStep); err != nil {
			return nil, err
		}
		return &s, nil
	})
	return r
}

func TestTagOfUsesTaggerWhenImplemented(t *testing.T) {
	require.Equal(t, "registrytest.regTestStep", TagOf(&regTestStep{}))
	require.Equal(t, "registrytest.customTag", TagOf(&taggedStep{}))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := newTestRegistry()
	original := &regTestStep{Count: 7}

	env, err := r.Encode(original, 1)
	require.NoError(t, err)
	require.Equal(t, "registrytest.regTestStep", env.Tag)
	require.Equal(t, 1, env.Version)

	decoded, err := r.Decode(env)
	require.NoError(t, err)
	got, ok := decoded.(*regTestStep)
	require.True(t, ok)
	require.Equal(t, 7, got.Count)
}

func TestDecodeUnknownTag(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Decode(Envelope{Tag: "nope", Version: 1, Payload: json.RawMessage("{}")})
	require.Error(t, err)
}

func TestMarshalUnmarshalStackRoundTrip(t *testing.T) {
	r := newTestRegistry()
	stack := []Step{&regTestStep{Count: 1}, &taggedStep{regTestStep{Count: 2}}}

	data, err := r.MarshalStack(stack, 1)
	require.NoError(t, err)

	restored, err := r.UnmarshalStack(data)
	require.NoError(t, err)
	require.Len(t, restored, 2)

	first, ok := restored[0].(*regTestStep)
	require.True(t, ok)
	require.Equal(t, 1, first.Count)

	second, ok := restored[1].(*taggedStep)
	require.True(t, ok)
	require.Equal(t, 2, second.Count)
}

func TestRegisterDuplicateTagPanics(t *testing.T) {
	r := NewRegistry()
	r.Register("dup", func(version int, payload json.RawMessage) (Step, error) { return nil, nil })
	require.Panics(t, func() {
		r.Register("dup", func(version int, payload json.RawMessage) (Step, error) { return nil, nil })
	})
}

func TestUnmarshalStackInvalidJSON(t *testing.T) {
	r := newTestRegistry()
	_, err := r.UnmarshalStack([]byte("not json"))
	require.Error(t, err)
}
