package syncerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := NewForEntity(KindTransport, "accounts", errors.New("boom"))
	assert.True(t, Is(err, KindTransport))
	assert.False(t, Is(err, KindServer))
	assert.False(t, Is(errors.New("plain"), KindTransport))
}

func TestFatalClassification(t *testing.T) {
	assert.True(t, Fatal(KindSchema))
	assert.True(t, Fatal(KindAuth))
	assert.False(t, Fatal(KindTransport))
	assert.False(t, Fatal(KindIntegrityIssue))
}

func TestPreviewTruncates(t *testing.T) {
	err := errors.New("this is a very long error message that goes on and on past the limit")
	p := Preview(err, 20)
	assert.Len(t, p, 20)
	assert.True(t, len(p) >= 3)
	assert.Equal(t, "...", p[len(p)-3:])
	assert.Equal(t, err.Error()[:17], p[:17])
}

func TestPreviewShortUnchanged(t *testing.T) {
	err := errors.New("short")
	assert.Equal(t, "short", Preview(err, 100))
}
