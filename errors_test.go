package gofat_test

import (
	"errors"
	"testing"

	"github.com/dargueta/gofat"
	"github.com/stretchr/testify/assert"
)

func TestDiskoErrorWithMessage(t *testing.T) {
	newErr := gofat.ErrNotFound.WithMessage("asdfqwerty")
	assert.Equal(
		t, gofat.ErrNotFound.Error()+": asdfqwerty", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, gofat.ErrNotFound)
}

func TestDiskoErrorWrap(t *testing.T) {
	originalErr := errors.New("original error")
	newErr := gofat.ErrExists.Wrap(originalErr)
	expectedMessage := gofat.ErrExists.Error() + ": original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, gofat.ErrExists, "parent error not set")
}
