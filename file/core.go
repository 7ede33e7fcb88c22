package file

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo/abac"
	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/idgen"
	"github.com/cloudillo/cloudillo/log"
	"github.com/cloudillo/cloudillo/scheduler"
)

// taskKindGenerate is the scheduler.Registry kind that turns a pending
// file's staged upload into its first, content-addressed variant.
const taskKindGenerate = "file.generate"

// Config carries the §6 file.* settings a deployment tunes per tenant
// (settings/idp (C13) resolves these from the tenant settings map and hands
// them to Core per-call; Core itself holds no per-tenant state).
type Config struct {
	MaxFileSizeMB      int64
	StoreOriginalVid   bool
	StoreOriginalAud   bool
	MaxGenerateVariant int
	ThumbnailFormat    string
}

// Core is the File/Variant Core (§4.12, C12): it wires the registry (Store),
// blob storage (Blob) and the scheduler's async first-variant generation
// step together, and implements action/lifecycle.FileVisibilityUpgrader.
type Core struct {
	Store Store
	Blob  Blob
	Sched *scheduler.Scheduler
	Clock clock.Clock

	pending *pendingIndex
	log     *logrus.Entry
}

func New(st Store, blob Blob, sched *scheduler.Scheduler, c clock.Clock) *Core {
	if c == nil {
		c = clock.System{}
	}
	return &Core{Store: st, Blob: blob, Sched: sched, Clock: c, pending: newPendingIndex(), log: log.For("file")}
}

// RegisterRunners binds Core's scheduler task kinds into registry. Call
// before registry.Freeze().
func (c *Core) RegisterRunners(registry *scheduler.Registry) {
	registry.Register(taskKindGenerate, c.runGenerate)
}

func placeholder(fID int64) string { return "@" + strconv.FormatInt(fID, 10) }

func isPlaceholder(ref string) bool { return strings.HasPrefix(ref, "@") }

func parsePlaceholder(ref string) (int64, error) {
	fID, err := strconv.ParseInt(strings.TrimPrefix(ref, "@"), 10, 64)
	if err != nil {
		return 0, errs.NewValidation("file: malformed placeholder " + ref)
	}
	return fID, nil
}

func stagingKey(tnID, fID int64) string {
	return "staging/" + strconv.FormatInt(tnID, 10) + "/" + strconv.FormatInt(fID, 10)
}

func variantKey(variantID string) string { return "variants/" + variantID }

// CreateFile implements §4.12's upload path: it stages the uploaded bytes,
// inserts a Pending File row, and schedules the task that computes the
// content-addressed file_id and registers the Original variant, returning
// the "@fID" placeholder immediately the same way action creation does
// (§4.7 step 13) so a referencing action doesn't have to block on it.
func (c *Core) CreateFile(ctx context.Context, tnID int64, ownerTag string, vis abac.Visibility, class Class, contentType string, data []byte, maxFileSizeMB int64) (string, error) {
	if maxFileSizeMB > 0 && int64(len(data)) > maxFileSizeMB*1024*1024 {
		return "", errs.NewValidation("file: upload exceeds max_file_size_mb")
	}

	fID, err := c.Store.CreatePending(ctx, tnID, ownerTag, vis)
	if err != nil {
		return "", err
	}

	key := stagingKey(tnID, fID)
	if err := c.Blob.Put(ctx, key, data, contentType); err != nil {
		return "", err
	}

	input := generateInput{TnID: tnID, FID: fID, Class: class, ContentType: contentType, StageKey: key}
	taskID, err := c.Sched.Schedule(ctx, taskKindGenerate, input, scheduler.ScheduleOptions{})
	if err != nil {
		return "", err
	}
	c.pending.put(tnID, fID, taskID)

	return placeholder(fID), nil
}

type generateInput struct {
	TnID        int64
	FID         int64
	Class       Class
	ContentType string
	StageKey    string
}

// runGenerate implements the first-variant generation step: it reads the
// staged upload back, derives the content-addressed file_id and variant_id
// from its bytes, moves it to its permanent content-addressed key, and
// finalizes the File row with an Original variant. Deriving further variants
// (thumbnails, transcodes) is out of scope (media transcoding is a Non-goal)
// — callers add those later via AddVariant once generated out-of-process.
func (c *Core) runGenerate(ctx context.Context, taskID string, input []byte) (string, error) {
	var in generateInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", errs.NewValidation("file: decode generate task input: " + err.Error())
	}
	defer c.pending.remove(in.TnID, in.FID)

	data, err := c.Blob.Get(ctx, in.StageKey)
	if err != nil {
		return "", err
	}

	fileID := idgen.ContentID("f", data)
	variantID := idgen.ContentID("b", data)
	permKey := variantKey(variantID)

	if err := c.Blob.Put(ctx, permKey, data, in.ContentType); err != nil {
		return "", err
	}

	first := Variant{
		VariantID: variantID,
		Class:     in.Class,
		Quality:   QualityOriginal,
		Format:    in.ContentType,
		Size:      int64(len(data)),
		Available: true,
	}
	if err := c.Store.FinalizeFile(ctx, in.TnID, in.FID, fileID, first); err != nil {
		return "", err
	}

	if err := c.Blob.Delete(ctx, in.StageKey); err != nil {
		c.log.WithError(err).Warn("file: staging cleanup failed")
	}

	return fileID, nil
}

// AddVariant implements §4.12's atomic variant extension for an
// already-finalized file (e.g. a client-generated thumbnail or transcode
// uploaded alongside the original).
func (c *Core) AddVariant(ctx context.Context, tnID int64, fileID string, class Class, quality Quality, contentType string, data []byte) error {
	f, err := c.Store.GetFileByFileID(ctx, tnID, fileID)
	if err != nil {
		return err
	}
	variantID := idgen.ContentID("b", data)
	if err := c.Blob.Put(ctx, variantKey(variantID), data, contentType); err != nil {
		return err
	}
	return c.Store.AddVariant(ctx, tnID, f.FID, Variant{
		VariantID: variantID,
		Class:     class,
		Quality:   quality,
		Format:    contentType,
		Size:      int64(len(data)),
		Available: true,
	})
}

// SelectVariant implements §4.12's "give me the best variant" query.
func (c *Core) SelectVariant(ctx context.Context, tnID int64, fileID, want string) (Variant, error) {
	ref, err := ParseVariantRequest(want)
	if err != nil {
		return Variant{}, err
	}
	f, err := c.Store.GetFileByFileID(ctx, tnID, fileID)
	if err != nil {
		return Variant{}, err
	}
	variants, err := c.Store.ListVariants(ctx, tnID, f.FID)
	if err != nil {
		return Variant{}, err
	}
	v, ok := Select(variants, ref)
	if !ok {
		return Variant{}, errs.NewNotFound("file: no variant of " + fileID + " satisfies " + want)
	}
	return v, nil
}

// GetVariantBlob serves a variant's raw bytes plus its declared format, for
// §6's GET /api/files/variant/:variant_id.
func (c *Core) GetVariantBlob(ctx context.Context, tnID int64, variantID string) ([]byte, string, error) {
	v, err := c.Store.GetVariant(ctx, tnID, variantID)
	if err != nil {
		return nil, "", err
	}
	data, err := c.Blob.Get(ctx, variantKey(variantID))
	if err != nil {
		return nil, "", err
	}
	return data, v.Format, nil
}

// ResolveFileID implements lifecycle.FileVisibilityUpgrader.ResolveFileID:
// a plain file_id passes through unchanged; an "@fID" placeholder resolves
// to the concrete file_id once its generation task has finalized the row,
// or errs.NotFound while it's still pending.
func (c *Core) ResolveFileID(ctx context.Context, tnID int64, ref string) (string, error) {
	if !isPlaceholder(ref) {
		return ref, nil
	}
	fID, err := parsePlaceholder(ref)
	if err != nil {
		return "", err
	}
	f, err := c.Store.GetFile(ctx, tnID, fID)
	if err != nil {
		return "", err
	}
	if f.FileID == "" {
		return "", errs.NewNotFound("file: " + ref + " still pending generation")
	}
	return f.FileID, nil
}

// PendingTaskID returns the scheduler task id generating ref's first
// variant, if ref is an unresolved "@fID" placeholder, so a creator task can
// add it as a real dependency (§4.7 step 11) instead of discovering the
// pending state lazily at resolve time.
func (c *Core) PendingTaskID(tnID int64, ref string) (string, bool) {
	if !isPlaceholder(ref) {
		return "", false
	}
	fID, err := parsePlaceholder(ref)
	if err != nil {
		return "", false
	}
	return c.pending.get(tnID, fID)
}

// UpgradeVisibility implements lifecycle.FileVisibilityUpgrader.UpgradeVisibility
// (§4.12's visibility upgrade rule, computed by abac.Upgrade).
func (c *Core) UpgradeVisibility(ctx context.Context, tnID int64, fileID string, vis abac.Visibility) error {
	f, err := c.Store.GetFileByFileID(ctx, tnID, fileID)
	if err != nil {
		return err
	}
	upgraded := abac.Upgrade(f.Visibility, vis)
	if upgraded == f.Visibility {
		return nil
	}
	return c.Store.SetVisibility(ctx, tnID, f.FID, upgraded)
}
