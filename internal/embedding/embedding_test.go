package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicEmbedderIsStable(t *testing.T) {
	e := NewDeterministic(32, true, 7)
	ctx := context.Background()

	v1, err := e.EmbedBatch(ctx, []string{"Paris is the capital of France"})
	require.NoError(t, err)
	v2, err := e.EmbedBatch(ctx, []string{"Paris is the capital of France"})
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1[0], 32)
}

func TestDeterministicEmbedderDistinguishesText(t *testing.T) {
	e := NewDeterministic(32, true, 7)
	ctx := context.Background()

	v, err := e.EmbedBatch(ctx, []string{"Paris is the capital of France", "Tokyo is the capital of Japan"})
	require.NoError(t, err)
	assert.NotEqual(t, v[0], v[1])
}

func TestDeterministicEmbedderNormalizes(t *testing.T) {
	e := NewDeterministic(16, true, 1)
	v, err := e.EmbedBatch(context.Background(), []string{"normalize me please"})
	require.NoError(t, err)

	var sumSq float64
	for _, x := range v[0] {
		sumSq += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sumSq, 1e-4)
}
