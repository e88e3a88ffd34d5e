package step

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeShutdown struct{ inProgress bool }

func (f fakeShutdown) InProgress() bool { return f.inProgress }

func TestClassifyStackOverflow(t *testing.T) {
	err := fmt.Errorf("wrap: %w", ErrStackOverflow)
	classified := Classify(err, nil)
	require.Equal(t, StackOverflow, classified.Kind)
}

func TestClassifyAcceptable(t *testing.T) {
	err := NewAcceptable("table already exists", nil)
	classified := Classify(err, nil)
	require.Equal(t, Acceptable, classified.Kind)
}

func TestClassifyUnexpectedByDefault(t *testing.T) {
	classified := Classify(fmt.Errorf("boom"), nil)
	require.Equal(t, Unexpected, classified.Kind)
}

func TestClassifyShuttingDownOnlyWhenInProgress(t *testing.T) {
	classified := Classify(io.ErrUnexpectedEOF, fakeShutdown{inProgress: true})
	require.Equal(t, ShuttingDown, classified.Kind)

	classified = Classify(io.ErrUnexpectedEOF, fakeShutdown{inProgress: false})
	require.Equal(t, Unexpected, classified.Kind)
}

func TestClassifyNilError(t *testing.T) {
	require.Nil(t, Classify(nil, fakeShutdown{inProgress: true}))
}
