// Package file implements Cloudillo's File/Variant Core (§4.12, C12):
// immutable content-addressed blobs grouped into variants, a selector that
// picks the best available variant for a request, and the visibility-upgrade
// rule that lets an attaching action loosen (never tighten) a file's
// visibility.
package file

import (
	"github.com/cloudillo/cloudillo/abac"
	"github.com/cloudillo/cloudillo/clock"
)

// Class is a variant's media family (§4.12 "class.quality").
type Class string

const (
	ClassVisual   Class = "vis" // images, rendered previews
	ClassVideo    Class = "vid"
	ClassAudio    Class = "aud"
	ClassDocument Class = "doc"
	ClassRaw      Class = "raw" // uninterpreted original bytes, no derived variants
)

// Quality is a variant's ordered fidelity level (§4.12 "ordered quality
// hierarchy {Profile, Thumbnail, Small, Medium, High, Extra, Original}").
type Quality string

const (
	QualityProfile   Quality = "pf"
	QualityThumbnail Quality = "tn"
	QualitySmall     Quality = "sd"
	QualityMedium    Quality = "md"
	QualityHigh      Quality = "hd"
	QualityExtra     Quality = "xd"
	QualityOriginal  Quality = "orig"
)

// qualityRank orders qualities from least to most fidelity, used by the
// selector's "quality >= requested, smallest delta" rule.
var qualityRank = map[Quality]int{
	QualityProfile:   0,
	QualityThumbnail: 1,
	QualitySmall:     2,
	QualityMedium:    3,
	QualityHigh:      4,
	QualityExtra:     5,
	QualityOriginal:  6,
}

// File is the stable, content-addressed root of a variant set (§3 "File
// F"). FID is the surrogate key used for the "@fID" placeholder returned
// while a just-uploaded file's first variant is still being registered;
// FileID is empty until then and is never reused once assigned.
type File struct {
	TnID int64 `gorm:"primaryKey;column:tn_id"`
	FID  int64 `gorm:"primaryKey;autoIncrement;column:f_id"`

	FileID string `gorm:"column:file_id;size:24;index"` // content-addressed, empty until the first variant lands

	OwnerTag string `gorm:"size:255;not null;index"`

	Visibility abac.Visibility
	CreatedAt  clock.Timestamp
}

func (File) TableName() string { return "files" }

// Variant is one stored rendition of a File (§3 "variants"). VariantID is
// the content hash of its bytes (idgen.ContentID("b", data)); Available is
// false for a variant whose generation task is still running or failed.
type Variant struct {
	TnID      int64  `gorm:"primaryKey;column:tn_id"`
	FID       int64  `gorm:"primaryKey;column:f_id"`
	VariantID string `gorm:"primaryKey;column:variant_id;size:24"`

	Class   Class   `gorm:"size:8;not null"`
	Quality Quality `gorm:"size:8;not null"`

	Format     string // MIME type
	Resolution string // e.g. "1920x1080", empty when not applicable
	Size       int64

	Duration   *float64 // seconds, audio/video only
	Bitrate    *int64   // bits/sec, audio/video only
	PageCount  *int     // document only

	Available bool
	CreatedAt clock.Timestamp
}

func (Variant) TableName() string { return "file_variants" }

// Name returns the wire "class.quality" form, e.g. "vis.hd", except for
// Original which §4.12 always displays bare ("orig") despite being stored
// with an explicit class.
func (v Variant) Name() string {
	if v.Quality == QualityOriginal {
		return string(v.Quality)
	}
	return string(v.Class) + "." + string(v.Quality)
}
