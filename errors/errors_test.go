package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "invalid", Invalid.String())
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "unknown", Class(42).String())
}

func TestWrapFormat(t *testing.T) {
	base := stderrors.New("pool exhausted")
	err := Wrap(base, "fabric", "Claim", "buffer allocation")
	require.Error(t, err)
	assert.Equal(t, "fabric.Claim: buffer allocation failed: pool exhausted", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.Nil(t, Wrap(nil, "fabric", "Claim", "buffer allocation"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := stderrors.New("boom")

	tr := WrapTransient(base, "rpc", "CommandQueue", "slot wait")
	assert.True(t, IsTransient(tr))
	assert.False(t, IsFatal(tr))
	assert.False(t, IsInvalid(tr))

	inv := WrapInvalid(base, "rpc", "DataQueue", "offset alignment")
	assert.True(t, IsInvalid(inv))
	assert.Equal(t, Invalid, Classify(inv))

	fat := WrapFatal(base, "engine", "Start", "transport init")
	assert.True(t, IsFatal(fat))
	assert.Equal(t, Fatal, Classify(fat))

	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
}

func TestKindClassification(t *testing.T) {
	assert.True(t, IsTransient(ErrTryAgain))
	assert.True(t, IsTransient(ErrTimeout))
	assert.True(t, IsTransient(ErrNoMemory))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsInvalid(ErrInvalidArgument))
	assert.True(t, IsFatal(ErrNotSupported))
	assert.True(t, IsFatal(ErrPermissionDenied))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsInvalid(nil))
}

func TestWrappedKindsSurviveIs(t *testing.T) {
	err := fmt.Errorf("queue: %w", ErrTryAgain)
	assert.True(t, stderrors.Is(err, ErrTryAgain))
	assert.True(t, IsTransient(err))
}

func TestCodeRoundTrip(t *testing.T) {
	kinds := []error{
		nil,
		ErrNotConnected,
		ErrNoData,
		ErrInvalidArgument,
		ErrNoMemory,
		ErrTryAgain,
		ErrTimeout,
		ErrPermissionDenied,
		ErrNotSupported,
		ErrIO,
	}
	for _, kind := range kinds {
		code := Code(kind)
		back := FromCode(code)
		if kind == nil {
			assert.Zero(t, code)
			assert.NoError(t, back)
			continue
		}
		assert.Negative(t, code)
		assert.True(t, stderrors.Is(back, kind), "code %d mapped to %v, want %v", code, back, kind)
	}
}

func TestCodeUnknownError(t *testing.T) {
	assert.Equal(t, int16(-9), Code(stderrors.New("weird")))
	assert.True(t, stderrors.Is(FromCode(-77), ErrIO))
}

func TestInvalidClassMatchesInvalidArgument(t *testing.T) {
	err := WrapInvalid(fmt.Errorf("offset 3 not word aligned"), "rpc", "DataQueue", "offset check")
	assert.True(t, stderrors.Is(err, ErrInvalidArgument))
	assert.Equal(t, int16(-3), Code(err))

	transient := WrapTransient(fmt.Errorf("link flap"), "fabric", "Queue", "send")
	assert.False(t, stderrors.Is(transient, ErrInvalidArgument))
}
