package kernelerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchingThroughWrapping(t *testing.T) {
	base := Wrap(Cancelled, "execution.execute", context.Canceled, "execution cancelled")
	wrapped := fmt.Errorf("execute in /tmp/ws: %w", base)

	assert.True(t, errors.Is(wrapped, Cancelled))
	assert.True(t, Is(wrapped, Cancelled))
	assert.False(t, Is(wrapped, IdleTimeout))
	assert.True(t, errors.Is(wrapped, context.Canceled))
	assert.Equal(t, Cancelled, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorMessageCarriesDetailsVerbatim(t *testing.T) {
	err := New(EnvironmentInstallFailed, "pyenv.install", "pip install failed").
		WithDetails("ERROR: No matching distribution found for nosuchpkg")

	msg := err.Error()
	assert.Contains(t, msg, "[EnvironmentInstallFailed] pyenv.install: pip install failed")
	assert.Contains(t, msg, "ERROR: No matching distribution found for nosuchpkg")
}
