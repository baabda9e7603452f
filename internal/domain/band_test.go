package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBandSettings_Valid(t *testing.T) {
	require.NoError(t, DefaultBandSettings().Validate())
}

func TestGeoBandSettings_Validate(t *testing.T) {
	base := DefaultBandSettings()[BandTemperature]

	bad := base.Clone()
	bad.ContourLevels = []float64{0, 10, 10}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	bad = base.Clone()
	bad.ColorRamp = nil
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	bad = base.Clone()
	bad.Opacity = 1.5
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)
}

func TestBandSettings_ValidateRejectsUnknownBand(t *testing.T) {
	s := BandSettings{BandIndex(42): DefaultBandSettings()[BandCloud]}
	assert.ErrorIs(t, s.Validate(), ErrInvalidRequest)
}

func TestBandSettings_CloneIsDeep(t *testing.T) {
	orig := DefaultBandSettings()
	c := orig.Clone()
	c[BandTemperature].ContourLevels[0] = -99
	assert.InDelta(t, -30.0, orig[BandTemperature].ContourLevels[0], 0)
}

func TestTileRequest_KeyIgnoresBandOrder(t *testing.T) {
	a := TileRequest{Bands: []BandIndex{BandPressure, BandTemperature, BandPressure}, Version: 3}
	b := TileRequest{Bands: []BandIndex{BandTemperature, BandPressure}, Version: 3}
	assert.Equal(t, a.Key(), b.Key())

	b.Version = 4
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestTileRequest_CloneSharesToken(t *testing.T) {
	tok := NewCancelToken()
	r := TileRequest{Bands: []BandIndex{BandCloud}, Token: tok}
	c := r.Clone()
	c.Bands[0] = BandPressure

	assert.Equal(t, BandCloud, r.Bands[0])
	assert.Same(t, tok, c.Token)

	tok.Cancel()
	assert.True(t, c.Token.Cancelled())
}

func TestCancelToken_Nil(t *testing.T) {
	var tok *CancelToken
	assert.False(t, tok.Cancelled())
	assert.NotPanics(t, tok.Cancel)
	assert.NotNil(t, tok.Context())
}
