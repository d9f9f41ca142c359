package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("bad field")))
	assert.Equal(t, KindConflict, KindOf(Conflict("already friends")))
	assert.Equal(t, KindProgrammer, KindOf(errors.New("untyped")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(KindValidation))
	assert.Equal(t, 401, HTTPStatus(KindAuth))
	assert.Equal(t, 409, HTTPStatus(KindConflict))
	assert.Equal(t, 503, HTTPStatus(KindTransientRemote))
	assert.Equal(t, 500, HTTPStatus(KindProgrammer))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := TransientRemote("redis get failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "redis get failed")
}
