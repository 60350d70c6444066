package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		assert.Equal(t, KindTransient, KindOf(Transient("op", errors.New("x"))))
		assert.Equal(t, KindPermanent, KindOf(Permanent("op", errors.New("x"))))
		assert.Equal(t, KindPolicyDenied, KindOf(PolicyDenied("op", errors.New("x"))))
		assert.Equal(t, KindDataIntegrity, KindOf(DataIntegrity("op", errors.New("x"))))
		assert.Equal(t, KindInternal, KindOf(Internal("op", errors.New("x"))))
	})

	t.Run("wrapped", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", Permanent("op", errors.New("inner")))
		assert.Equal(t, KindPermanent, KindOf(err))
	})

	t.Run("unclassified", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
		assert.Equal(t, KindUnknown, KindOf(nil))
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient("op", errors.New("timeout"))))
	assert.True(t, IsRetryable(Internal("op", errors.New("disk"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))

	assert.False(t, IsRetryable(Permanent("op", errors.New("bad sig"))))
	assert.False(t, IsRetryable(PolicyDenied("op", errors.New("circuit open"))))
	assert.False(t, IsRetryable(DataIntegrity("op", errors.New("missing trades"))))
}

func TestBotErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := Transient("chain.call", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "chain.call")
	assert.Contains(t, err.Error(), "root cause")
}

func TestAsAPIError(t *testing.T) {
	t.Run("passes through api errors", func(t *testing.T) {
		assert.Equal(t, ErrReplay, AsAPIError(ErrReplay))
	})

	t.Run("policy denied maps to 503", func(t *testing.T) {
		got := AsAPIError(PolicyDenied("op", errors.New("rate limited")))
		assert.Equal(t, http.StatusServiceUnavailable, got.StatusCode)
	})

	t.Run("permanent maps to 400", func(t *testing.T) {
		got := AsAPIError(Permanent("op", errors.New("bad root")))
		assert.Equal(t, http.StatusBadRequest, got.StatusCode)
	})

	t.Run("everything else maps to 500", func(t *testing.T) {
		assert.Equal(t, ErrInternal, AsAPIError(errors.New("boom")))
		assert.Equal(t, ErrInternal, AsAPIError(Transient("op", errors.New("x"))))
	})
}

func TestWithMessageDoesNotMutate(t *testing.T) {
	custom := ErrBadRequest.WithMessage("field missing")
	assert.Equal(t, "field missing", custom.Message)
	assert.Equal(t, "Invalid request", ErrBadRequest.Message)
	assert.Equal(t, ErrBadRequest.Code, custom.Code)
	assert.Equal(t, ErrBadRequest.StatusCode, custom.StatusCode)
}
