package money_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"tradearena/internal/money"
)

func TestRound_RoundsToScale(t *testing.T) {
	assert.Equal(t, 100.1235, money.Round(100.12345))
	assert.Equal(t, 100.1234, money.Round(100.123449))
}

func TestRound_NormalizesNegativeZero(t *testing.T) {
	negZero := money.Round(-0.00001)
	assert.Equal(t, float64(0), negZero)
	assert.False(t, math.Signbit(negZero))
}

func TestEqual(t *testing.T) {
	assert.True(t, money.Equal(1.00001, 1.00002))
	assert.False(t, money.Equal(1.0001, 1.0002))
}
