package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsUnreachable(t *testing.T) {
	base := errors.New("Forbidden: bot was blocked by the user")

	assert.True(t, IsUnreachable(Unreachable(base)))
	assert.True(t, IsUnreachable(fmt.Errorf("broadcast: %w", Unreachable(base))))
	assert.False(t, IsUnreachable(Transient(base)))
	assert.False(t, IsUnreachable(base), "plain errors are never sniffed")
	assert.ErrorIs(t, Unreachable(base), base)
}

func TestEventPrivate(t *testing.T) {
	assert.True(t, Event{ChatType: "private"}.Private())
	assert.True(t, Event{}.Private())
	assert.False(t, Event{ChatType: "supergroup"}.Private())
}
