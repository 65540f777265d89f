// Package require is a subset of github.com/stretchr/testify/require
// built on github.com/alecthomas/assert. The assert helpers already
// call FailNow, so each one stops the test on the first failure.
package require

import (
	"errors"

	"github.com/alecthomas/assert"
)

// TestingT is an interface wrapper around *testing.T
type TestingT = assert.TestingT

func Equal(t TestingT, expected interface{}, actual interface{}, msgAndArgs ...interface{}) {
	assert.Equal(t, expected, actual, msgAndArgs...)
}

func NotEqual(t TestingT, expected interface{}, actual interface{}, msgAndArgs ...interface{}) {
	assert.NotEqual(t, expected, actual, msgAndArgs...)
}

func Len(t TestingT, object interface{}, length int, msgAndArgs ...interface{}) {
	assert.Len(t, object, length, msgAndArgs...)
}

func Nil(t TestingT, object interface{}, msgAndArgs ...interface{}) {
	assert.Nil(t, object, msgAndArgs...)
}

func NotNil(t TestingT, object interface{}, msgAndArgs ...interface{}) {
	assert.NotNil(t, object, msgAndArgs...)
}

func NotEmpty(t TestingT, object interface{}, msgAndArgs ...interface{}) {
	assert.NotEmpty(t, object, msgAndArgs...)
}

func True(t TestingT, value bool, msgAndArgs ...interface{}) {
	assert.True(t, value, msgAndArgs...)
}

func False(t TestingT, value bool, msgAndArgs ...interface{}) {
	assert.False(t, value, msgAndArgs...)
}

func NoError(t TestingT, err error, msgAndArgs ...interface{}) {
	assert.NoError(t, err, msgAndArgs...)
}

func Error(t TestingT, err error, msgAndArgs ...interface{}) {
	assert.Error(t, err, msgAndArgs...)
}

// ErrorIs asserts that errors.Is(err, target). Our assert version
// predates errors.Is so it's done here.
func ErrorIs(t TestingT, err error, target error, msgAndArgs ...interface{}) {
	if errors.Is(err, target) {
		return
	}
	assert.Fail(t, "error "+errString(err)+" is not "+target.Error(), msgAndArgs...)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
