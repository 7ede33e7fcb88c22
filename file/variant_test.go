package file

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVariantRequest(t *testing.T) {
	ref, err := ParseVariantRequest("orig")
	require.NoError(t, err)
	require.Equal(t, VariantRef{Quality: QualityOriginal}, ref)

	ref, err = ParseVariantRequest("vis.hd")
	require.NoError(t, err)
	require.Equal(t, VariantRef{Class: ClassVisual, Quality: QualityHigh}, ref)

	ref, err = ParseVariantRequest("hd")
	require.NoError(t, err)
	require.Equal(t, VariantRef{Class: ClassVisual, Quality: QualityHigh}, ref, "bare quality names default to the visual class")

	_, err = ParseVariantRequest("vis.bogus")
	require.Error(t, err)

	_, err = ParseVariantRequest("bogus.hd")
	require.Error(t, err)
}

func TestSelectExactMatch(t *testing.T) {
	variants := []Variant{
		{Class: ClassVisual, Quality: QualityHigh, Available: true},
		{Class: ClassVisual, Quality: QualityMedium, Available: true},
	}
	v, ok := Select(variants, VariantRef{Class: ClassVisual, Quality: QualityHigh})
	require.True(t, ok)
	require.Equal(t, QualityHigh, v.Quality)
}

func TestSelectPicksSmallestSufficientQuality(t *testing.T) {
	variants := []Variant{
		{Class: ClassVisual, Quality: QualityExtra, Available: true},
		{Class: ClassVisual, Quality: QualityHigh, Available: true},
		{Class: ClassVisual, Quality: QualityMedium, Available: true},
	}
	v, ok := Select(variants, VariantRef{Class: ClassVisual, Quality: QualityMedium})
	require.True(t, ok)
	require.Equal(t, QualityMedium, v.Quality, "should not overshoot to hd/xd when md satisfies the request")
}

func TestSelectFallsBackDownTheLadder(t *testing.T) {
	variants := []Variant{
		{Class: ClassVisual, Quality: QualitySmall, Available: true},
	}
	v, ok := Select(variants, VariantRef{Class: ClassVisual, Quality: QualityHigh})
	require.True(t, ok)
	require.Equal(t, QualitySmall, v.Quality, "no hd/xd available, ladder falls back to the best lesser quality")
}

func TestSelectSkipsUnavailableVariants(t *testing.T) {
	variants := []Variant{
		{Class: ClassVisual, Quality: QualityHigh, Available: false},
		{Class: ClassVisual, Quality: QualityMedium, Available: true},
	}
	v, ok := Select(variants, VariantRef{Class: ClassVisual, Quality: QualityHigh})
	require.True(t, ok)
	require.Equal(t, QualityMedium, v.Quality)
}

func TestSelectOriginalRequiresExactOriginal(t *testing.T) {
	variants := []Variant{
		{Class: ClassVisual, Quality: QualityHigh, Available: true},
	}
	_, ok := Select(variants, VariantRef{Quality: QualityOriginal})
	require.False(t, ok, "orig never falls back to a lesser quality")
}

func TestSelectDocAndRawHaveNoLadder(t *testing.T) {
	variants := []Variant{
		{Class: ClassDocument, Quality: QualityThumbnail, Available: true},
	}
	_, ok := Select(variants, VariantRef{Class: ClassDocument, Quality: QualityHigh})
	require.False(t, ok)
}

func TestSelectNoMatchingClass(t *testing.T) {
	variants := []Variant{
		{Class: ClassAudio, Quality: QualityHigh, Available: true},
	}
	_, ok := Select(variants, VariantRef{Class: ClassVisual, Quality: QualityHigh})
	require.False(t, ok)
}
