package httpapi

import (
	"io"

	"github.com/labstack/echo/v4"

	"github.com/cloudillo/cloudillo/abac"
	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/file"
)

const maxUploadBytes = 1 << 30 // hard ceiling; the configured max_file_size_mb is enforced inside Core.CreateFile

// handleCreateFile: POST /api/files (§6). The request body is the raw
// upload; class and visibility come from query params, mirroring how
// §4.12's CreateFile takes them as plain arguments rather than a JSON body
// (uploads are binary, not JSON).
func handleCreateFile(d *Deps, maxFileSizeMB int64) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		ownerTag := idTagFromContext(c)

		class := file.Class(c.QueryParam("class"))
		if class == "" {
			class = file.ClassRaw
		}
		vis := abac.ParseVisibility(c.QueryParam("visibility"))
		contentType := c.Request().Header.Get("Content-Type")

		data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUploadBytes+1))
		if err != nil {
			return errs.NewIo("read upload body: " + err.Error())
		}
		if int64(len(data)) > maxUploadBytes {
			return errs.NewValidation("file: upload exceeds server limit")
		}

		placeholder, err := d.Files.CreateFile(c.Request().Context(), tnID, ownerTag, vis, class, contentType, data, maxFileSizeMB)
		if err != nil {
			return err
		}
		return ok(c, 201, map[string]string{"fileId": placeholder})
	}
}

// handleGetFile: GET /api/files/:file_id — resolves a placeholder or real
// file_id to its current id and pending-task status (§4.12's polling path
// for a just-uploaded file still generating variants).
func handleGetFile(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		ref := c.Param("file_id")
		fileID, err := d.Files.ResolveFileID(c.Request().Context(), tnID, ref)
		if err != nil {
			if taskID, ok := d.Files.PendingTaskID(tnID, ref); ok {
				return ok(c, 200, map[string]any{"fileId": ref, "pending": true, "taskId": taskID})
			}
			return err
		}
		return ok(c, 200, map[string]any{"fileId": fileID, "pending": false})
	}
}

// handleGetVariant: GET /api/files/variant/:variant_id (§6). The path
// segment is tried as a variant_id first; if no such variant exists it's
// retried as a file_id with a "?v=" query param naming the desired
// class.quality (defaulting to orig), resolved through Core.SelectVariant —
// §6 lists both forms under the same route. Either way the response carries
// the caching/CSP headers §6 calls out for content-addressed binary data.
func handleGetVariant(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}

		variantID := c.Param("variant_id")
		data, contentType, err := d.Files.GetVariantBlob(c.Request().Context(), tnID, variantID)
		if errs.As(err) == errs.NotFound {
			want := c.QueryParam("v")
			if want == "" {
				want = "orig"
			}
			v, selErr := d.Files.SelectVariant(c.Request().Context(), tnID, variantID, want)
			if selErr != nil {
				return selErr
			}
			data, contentType, err = d.Files.GetVariantBlob(c.Request().Context(), tnID, v.VariantID)
		}
		if err != nil {
			return err
		}

		c.Response().Header().Set("Cache-Control", immutableCacheControl)
		if contentType == "image/svg+xml" {
			c.Response().Header().Set("Content-Security-Policy", svgCSP)
		}
		return c.Blob(200, contentType, data)
	}
}

// handleAddVariant: POST /api/files/:file_id/variant — registers an
// additional rendition (e.g. a client-generated thumbnail) onto an
// already-finalized file.
func handleAddVariant(d *Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		tnID, err := tenantFromContext(c)
		if err != nil {
			return err
		}
		fileID := c.Param("file_id")
		class := file.Class(c.QueryParam("class"))
		quality := file.Quality(c.QueryParam("quality"))
		contentType := c.Request().Header.Get("Content-Type")

		data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUploadBytes+1))
		if err != nil {
			return errs.NewIo("read upload body: " + err.Error())
		}

		if err := d.Files.AddVariant(c.Request().Context(), tnID, fileID, class, quality, contentType, data); err != nil {
			return err
		}
		return c.NoContent(204)
	}
}
