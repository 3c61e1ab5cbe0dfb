package router

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/sable-systems/sentry/internal/errors"
)

func TestParseModelID_SplitsPrefixAndRest(t *testing.T) {
	p, err := parseModelID("agent:default")
	require.NoError(t, err)
	assert.Equal(t, "agent", p.Prefix)
	assert.Equal(t, "default", p.Rest)
}

func TestParseModelID_MissingColonIsRejected(t *testing.T) {
	_, err := parseModelID("noPrefixHere")
	require.Error(t, err)
	var ge *gwerrors.GatewayError
	require.True(t, stderrors.As(err, &ge))
	assert.Equal(t, gwerrors.KindValidation, ge.Kind)
}

func TestParseModelID_EmptyRestIsRejected(t *testing.T) {
	_, err := parseModelID("openai:")
	require.Error(t, err)
}

func TestParseModelID_RestMayContainColons(t *testing.T) {
	p, err := parseModelID("openai:gpt-4:turbo")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4:turbo", p.Rest)
}

func TestResolveAlias_AppliesConfiguredMapping(t *testing.T) {
	aliases := map[string]string{"default": "agent:primary"}
	assert.Equal(t, "agent:primary", resolveAlias("default", aliases))
	assert.Equal(t, "agent:other", resolveAlias("agent:other", aliases))
}

func TestResolveAlias_NilMapIsNoop(t *testing.T) {
	assert.Equal(t, "agent:default", resolveAlias("agent:default", nil))
}
