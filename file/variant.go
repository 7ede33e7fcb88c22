package file

import (
	"strings"

	"github.com/cloudillo/cloudillo/errs"
)

// VariantRef names a requested or stored variant. Class is empty only for a
// request of the bare "orig" quality, which §4.12 says "is always displayed
// without class prefix" and therefore matches whichever class the file's
// Original variant happens to be stored under.
type VariantRef struct {
	Class   Class
	Quality Quality
}

// ParseVariantRequest parses a wire variant name into a VariantRef. Legacy
// bare quality names (no ".") default to the Visual class, except "orig"
// which is a class wildcard (§4.12).
func ParseVariantRequest(s string) (VariantRef, error) {
	if s == "orig" {
		return VariantRef{Quality: QualityOriginal}, nil
	}
	parts := strings.SplitN(s, ".", 2)
	if len(parts) == 1 {
		q := Quality(parts[0])
		if _, ok := qualityRank[q]; !ok {
			return VariantRef{}, errs.NewValidation("file: unknown quality " + s)
		}
		return VariantRef{Class: ClassVisual, Quality: q}, nil
	}
	class, quality := Class(parts[0]), Quality(parts[1])
	if _, ok := qualityRank[quality]; !ok {
		return VariantRef{}, errs.NewValidation("file: unknown quality " + s)
	}
	switch class {
	case ClassVisual, ClassVideo, ClassAudio, ClassDocument, ClassRaw:
	default:
		return VariantRef{}, errs.NewValidation("file: unknown class " + s)
	}
	return VariantRef{Class: class, Quality: quality}, nil
}

// ladder is the descending per-class fallback chain a degraded selection
// walks (§A item 8): vis.hd -> vis.md -> vis.sd -> vis.tn, vid.hd -> vid.md
// -> vid.sd, aud.hd -> aud.md -> aud.sd. doc.orig and raw.orig have no
// fallback, so they return nil.
func ladder(c Class) []Quality {
	switch c {
	case ClassVisual:
		return []Quality{QualityHigh, QualityMedium, QualitySmall, QualityThumbnail}
	case ClassVideo, ClassAudio:
		return []Quality{QualityHigh, QualityMedium, QualitySmall}
	default:
		return nil
	}
}

// Select implements §4.12's variant selector: rank by class match, then by
// quality >= requested with smallest delta, falling back along the
// class-internal ladder when nothing meets the requested quality.
func Select(variants []Variant, want VariantRef) (Variant, bool) {
	var candidates []Variant
	for _, v := range variants {
		if v.Available && (want.Class == "" || v.Class == want.Class) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return Variant{}, false
	}

	if want.Quality == QualityOriginal {
		for _, v := range candidates {
			if v.Quality == QualityOriginal {
				return v, true
			}
		}
		return Variant{}, false
	}

	wantRank := qualityRank[want.Quality]
	best, bestRank, found := Variant{}, -1, false
	for _, v := range candidates {
		r := qualityRank[v.Quality]
		if r >= wantRank && (!found || r < bestRank) {
			best, bestRank, found = v, r, true
		}
	}
	if found {
		return best, true
	}

	class := want.Class
	if class == "" && len(candidates) > 0 {
		class = candidates[0].Class
	}
	chain := ladder(class)
	start := 0
	for i, q := range chain {
		if q == want.Quality {
			start = i
			break
		}
	}
	for _, q := range chain[start:] {
		for _, v := range candidates {
			if v.Quality == q {
				return v, true
			}
		}
	}
	return Variant{}, false
}
