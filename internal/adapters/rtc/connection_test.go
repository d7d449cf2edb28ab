package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/livecam/internal/app/ortc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewerOfferIsReceiveOnly(t *testing.T) {
	v, err := NewViewer(nil, "test")
	require.NoError(t, err)
	defer v.Close()
	v.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sdp, _, err := v.CreateOffer(ctx)
	require.NoError(t, err)

	offer, err := ortc.Parse(sdp)
	require.NoError(t, err)
	require.Len(t, offer.Media, 2)
	assert.Equal(t, "audio", offer.Media[0].Type)
	assert.Equal(t, "video", offer.Media[1].Type)
	for _, m := range offer.Media {
		assert.Equal(t, ortc.RecvOnly, m.EffectiveDirection())
	}
	assert.NotEmpty(t, offer.Fingerprints())
	assert.Empty(t, v.Stats())
}

func TestViewerRejectsGarbageAnswer(t *testing.T) {
	v, err := NewViewer(nil, "test")
	require.NoError(t, err)
	defer v.Close()
	assert.Error(t, v.SetAnswer("not sdp"))
}
