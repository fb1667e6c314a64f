package handler

import (
	"io"
	"mime/multipart"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"kbapi/internal/model"
	"kbapi/internal/service"
)

const defaultDownloadExpiry = 15 * time.Minute

// downloadLink is the body of GET /documents/{id}/download.
type downloadLink struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// ListDocuments godoc
// @Summary List documents
// @Tags documents
// @Produce json
// @Param limit query int false "page size" default(10)
// @Param offset query int false "rows to skip" default(0)
// @Success 200 {object} service.DocumentListResult
// @Failure 400 {object} errorPayload
// @Router /documents [get]
func ListDocuments(svc service.KnowledgeService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit, err := strconv.Atoi(c.Query("limit", "10"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_LIMIT", "invalid limit")
		}
		offset, err := strconv.Atoi(c.Query("offset", "0"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_OFFSET", "invalid offset")
		}

		res, err := svc.Page(c.UserContext(), limit, offset)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(res)
	}
}

// UploadDocuments godoc
// @Summary Upload source documents
// @Description Stores, extracts and catalogs every file. Files that fail are reported individually.
// @Tags documents
// @Accept multipart/form-data
// @Produce json
// @Param files formData file true "documents (repeatable)"
// @Success 200 {object} model.UploadResult
// @Success 207 {object} model.UploadResult "some files were discarded"
// @Failure 403 {object} errorPayload
// @Failure 422 {object} model.UploadResult "every file was discarded"
// @Router /documents [post]
func UploadDocuments(svc service.KnowledgeService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		form, err := c.MultipartForm()
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_REQUIRED", "at least one file is required")
		}
		headers := append(form.File["files"], form.File["file"]...)
		if len(headers) == 0 {
			return writeError(c, fiber.StatusBadRequest, "FILE_REQUIRED", "at least one file is required")
		}

		inputs := make([]model.UploadInput, 0, len(headers))
		for _, fh := range headers {
			data, err := readFormFile(fh)
			if err != nil {
				return writeError(c, fiber.StatusBadRequest, "FILE_OPEN_ERROR", "cannot open uploaded file")
			}
			inputs = append(inputs, model.UploadInput{
				FileName:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}

		res, err := svc.Upload(c.UserContext(), inputs)
		if err != nil {
			return writeServiceError(c, err)
		}

		status := fiber.StatusOK
		switch {
		case res.SuccessCount == 0:
			status = fiber.StatusUnprocessableEntity
		case res.SuccessCount < res.Total:
			status = fiber.StatusMultiStatus
		}
		return c.Status(status).JSON(res)
	}
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// GetDocument godoc
// @Summary Get a document
// @Tags documents
// @Produce json
// @Param id path string true "document id"
// @Success 200 {object} model.Document
// @Failure 404 {object} errorPayload
// @Router /documents/{id} [get]
func GetDocument(svc service.KnowledgeService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		doc, err := svc.Get(c.UserContext(), id)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(doc)
	}
}

// DownloadDocument godoc
// @Summary Presigned download link for the original file
// @Tags documents
// @Produce json
// @Param id path string true "document id"
// @Param expiry query string false "link lifetime, Go duration" default(15m)
// @Success 200 {object} downloadLink
// @Failure 404 {object} errorPayload
// @Router /documents/{id}/download [get]
func DownloadDocument(svc service.KnowledgeService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		expiry := defaultDownloadExpiry
		if v := c.Query("expiry"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 || d > 7*24*time.Hour {
				return writeError(c, fiber.StatusBadRequest, "INVALID_EXPIRY", "invalid expiry")
			}
			expiry = d
		}

		url, err := svc.DownloadURL(c.UserContext(), id, expiry)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(downloadLink{URL: url, ExpiresIn: int(expiry.Seconds())})
	}
}

// DeleteDocument godoc
// @Summary Delete a document and rebuild the knowledge base
// @Tags documents
// @Produce json
// @Param id path string true "document id"
// @Success 200 {object} model.OperationResult
// @Failure 404 {object} errorPayload
// @Router /documents/{id} [delete]
func DeleteDocument(svc service.KnowledgeService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		res, err := svc.Delete(c.UserContext(), id)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(res)
	}
}
