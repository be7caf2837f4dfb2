package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient_ExplicitClasses(t *testing.T) {
	assert.True(t, IsTransient(Transientf("throttled by backend")))
	assert.False(t, IsTransient(Permanentf("invalid attribute")))
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_ClassSurvivesWrapping(t *testing.T) {
	inner := Transient(errors.New("connection dropped"))
	wrapped := fmt.Errorf("create failed for network-1: %w", inner)
	assert.True(t, IsTransient(wrapped))

	perm := fmt.Errorf("outer: %w", Permanent(errors.New("bad request")))
	assert.False(t, IsTransient(perm))
}

func TestIsTransient_ContextErrorsNeverRetry(t *testing.T) {
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(fmt.Errorf("call aborted: %w", context.Canceled)))
}

func TestIsTransient_MessageHeuristics(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
	}{
		{errors.New("ThrottlingException: rate exceeded"), true},
		{errors.New("503 Service Unavailable"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("dial tcp: i/o timeout"), true},
		{errors.New("ValidationError: cidr malformed"), false},
		{errors.New("AccessDenied"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.transient, IsTransient(tc.err), "error: %v", tc.err)
	}
}

func TestTransientNilPassthrough(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	assert.ErrorIs(t, Transient(inner), inner)
	assert.ErrorIs(t, Permanent(inner), inner)
}
