package source

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct{}

func (stubSource) Kind() string { return "stub" }

func (stubSource) Connect(context.Context, Credentials) (Connection, error) { return nil, nil }

func (stubSource) FetchNewMessages(context.Context, Connection, string, int64) ([]Message, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	Register("stub", func() Source { return stubSource{} })

	src, err := Create("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", src.Kind())
	assert.Contains(t, Kinds(), "stub")

	_, err = Create("pigeon")
	assert.True(t, errors.Is(err, ErrSourceNotFound))
}

func TestConnectionKey(t *testing.T) {
	a := ConnectionKey("telegram", Credentials{"bot_token": "1:abc"})
	b := ConnectionKey("telegram", Credentials{"bot_token": "1:abc"})
	c := ConnectionKey("telegram", Credentials{"bot_token": "2:def"})
	d := ConnectionKey("mail", Credentials{"bot_token": "1:abc"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.True(t, strings.HasPrefix(a, "telegram:"))
	assert.NotContains(t, a, "abc")

	x := ConnectionKey("mail", Credentials{"host": "h", "username": "u"})
	y := ConnectionKey("mail", Credentials{"username": "u", "host": "h"})
	assert.Equal(t, x, y)
}

func TestRequired(t *testing.T) {
	assert.NoError(t, Required(Credentials{"a": "1", "b": "2"}, "a", "b"))

	err := Required(Credentials{"a": " "}, "a", "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	assert.Contains(t, err.Error(), "a, b")
}
