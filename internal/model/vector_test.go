package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	assert.InDelta(t, 0, Cosine(a, b), 1e-6)
	assert.InDelta(t, 1, Cosine(a, a), 1e-6)

	c := []float32{-1, 0, 0}
	assert.InDelta(t, -1, Cosine(a, c), 1e-6)
}

func TestCosineZeroAndMismatch(t *testing.T) {
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine(nil, nil))
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	require.NoError(t, CheckUnitVector(v, 2))

	// Zero vector stays zero.
	z := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, z)
}

func TestCheckUnitVector(t *testing.T) {
	require.Error(t, CheckUnitVector([]float32{1, 0}, 3), "wrong dims")
	require.Error(t, CheckUnitVector([]float32{2, 0}, 2), "norm 2")
	require.NoError(t, CheckUnitVector([]float32{1, 0}, 2))
}

func TestVectorBlobRoundTrip(t *testing.T) {
	v := Normalize([]float32{0.1, -2.5, 3.75, 0})
	buf := EncodeVector(v)
	assert.Len(t, buf, 16)

	got, err := DecodeVector(buf)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestDecodeVectorErrors(t *testing.T) {
	got, err := DecodeVector(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = DecodeVector([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestAddSub(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.Equal(t, []float32{5, 7, 9}, Add(a, b))
	assert.Equal(t, []float32{3, 3, 3}, Sub(b, a))
	assert.Equal(t, []float32{5, 7}, Add(a[:2], b))
}

func TestCanonicalSkillPair(t *testing.T) {
	a, b := CanonicalSkillPair("skill_b", "skill_a")
	assert.Equal(t, "skill_a", a)
	assert.Equal(t, "skill_b", b)
}

func TestQualityScore(t *testing.T) {
	s := Skill{AvgUserSatisfaction: 0.8, SuccessCount: 3, FailureCount: 1}
	assert.InDelta(t, 0.6, s.QualityScore(), 1e-6)

	// Untested skills are penalized by half.
	untested := Skill{AvgUserSatisfaction: 0.8}
	assert.InDelta(t, 0.4, untested.QualityScore(), 1e-6)

	// Quality never exceeds satisfaction.
	assert.LessOrEqual(t, s.QualityScore(), s.AvgUserSatisfaction)
}
