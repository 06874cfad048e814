package echoapi

import (
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core/document"
	"github.com/trezcool/growthhub/core/user"
)

const uploadFormField = "file"

type documentApi struct {
	svc    *document.Service
	usrSvc *user.Service
}

func registerDocumentAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *document.Service, usrSvc *user.Service, maxUploadSize int64) {
	api := documentApi{svc: svc, usrSvc: usrSvc}

	// oversized bodies are cut off before multipart parsing; files just above the limit still get a 400
	bodyLimit := middleware.BodyLimit(fmt.Sprintf("%dK", (2*maxUploadSize)>>10))
	authed := []echo.MiddlewareFunc{jwt, userMiddleware(usrSvc)}

	dg := g.Group("/documents", authed...)
	dg.GET("", api.listAll)
	dg.GET("/mine", api.listMine)
	dg.GET("/teacher/acknowledgements", api.listMine)
	dg.POST("/upload", api.upload, supervisorMiddleware(), bodyLimit)
	dg.POST("/assign", api.assign, supervisorMiddleware())
	dg.DELETE("/:id", api.destroy, supervisorMiddleware())
	dg.POST("/acknowledgements/:id/view", api.markViewed)
	dg.POST("/acknowledgements/:id/acknowledge", api.acknowledge)

	ag := g.Group("/acknowledgements", authed...)
	ag.POST("/:id/view", api.markViewed)
	ag.POST("/:id/acknowledge", api.acknowledge)

	g.POST("/uploads", api.storeFile, append(authed, supervisorMiddleware(), bodyLimit)...)
}

// Handlers

func (api *documentApi) listAll(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	listing, err := api.svc.ListAll(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "listing documents")
	}
	if listing.Supervisory {
		return ctx.JSON(http.StatusOK, listing.Documents)
	}
	return ctx.JSON(http.StatusOK, listing.Acknowledgements)
}

func (api *documentApi) listMine(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	acks, err := api.svc.ListMine(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "listing acknowledgements")
	}
	return ctx.JSON(http.StatusOK, acks)
}

func (api *documentApi) upload(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}

	var data document.NewDocument
	if err = ctx.Bind(&data); err != nil {
		return err
	}

	var file *document.File
	if isMultipart(ctx) {
		fh, err := ctx.FormFile(uploadFormField)
		if err != nil && err != http.ErrMissingFile {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form").SetInternal(err)
		}
		if fh != nil {
			f, closeFile, err := openFormFile(fh)
			if err != nil {
				return err
			}
			defer closeFile()
			file = &f
		}
	}

	doc, err := api.svc.Upload(ctx.Request().Context(), data, file, usr)
	if err != nil {
		return errors.Wrap(err, "uploading document")
	}
	return ctx.JSON(http.StatusCreated, doc)
}

func (api *documentApi) storeFile(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	fh, err := ctx.FormFile(uploadFormField)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "a PDF file is required").SetInternal(err)
	}
	f, closeFile, err := openFormFile(fh)
	if err != nil {
		return err
	}
	defer closeFile()

	url, err := api.svc.StoreFile(ctx.Request().Context(), f, usr)
	if err != nil {
		return errors.Wrap(err, "storing file")
	}
	return ctx.JSON(http.StatusCreated, UploadResponse{FileURL: url, FileName: f.Name, FileSize: f.Size})
}

func (api *documentApi) assign(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	var data AssignRequest
	if err = ctx.Bind(&data); err != nil {
		return err
	}

	acks, err := api.svc.Assign(ctx.Request().Context(), data.assignment(), usr)
	if err != nil {
		return errors.Wrap(err, "assigning document")
	}
	return ctx.JSON(http.StatusOK, acks)
}

func (api *documentApi) destroy(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	if err = api.svc.Delete(ctx.Request().Context(), ctx.Param("id"), usr); err != nil {
		return errors.Wrap(err, "deleting document")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *documentApi) markViewed(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	ack, err := api.svc.MarkViewed(ctx.Request().Context(), ctx.Param("id"), usr)
	if err != nil {
		return errors.Wrap(err, "marking acknowledgement as viewed")
	}
	return ctx.JSON(http.StatusOK, ack)
}

func (api *documentApi) acknowledge(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return err
	}
	var proof document.Proof
	if err = ctx.Bind(&proof); err != nil {
		return err
	}
	// the caller's own values win; fall back to what the request reveals
	if strings.TrimSpace(proof.IPAddress) == "" {
		proof.IPAddress = observedIP(ctx)
	}
	if strings.TrimSpace(proof.UserAgent) == "" {
		proof.UserAgent = ctx.Request().UserAgent()
	}

	ack, err := api.svc.Acknowledge(ctx.Request().Context(), ctx.Param("id"), usr, proof)
	if err != nil {
		return errors.Wrap(err, "acknowledging document")
	}
	return ctx.JSON(http.StatusOK, ack)
}

// observedIP returns the client address seen on the request, or "" when no usable address is found.
// Proxy headers are not trusted to be well formed.
func observedIP(ctx echo.Context) string {
	// first hop of a proxy list, whatever its separator
	first := strings.SplitN(ctx.RealIP(), ",", 2)[0]
	candidates := []string{strings.TrimSpace(first)}
	if host, _, err := net.SplitHostPort(ctx.Request().RemoteAddr); err == nil {
		candidates = append(candidates, host)
	} else {
		candidates = append(candidates, ctx.Request().RemoteAddr)
	}
	for _, c := range candidates {
		if ip := net.ParseIP(c); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func isMultipart(ctx echo.Context) bool {
	return strings.HasPrefix(ctx.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)
}

func openFormFile(fh *multipart.FileHeader) (document.File, func(), error) {
	f, err := fh.Open()
	if err != nil {
		return document.File{}, nil, errors.Wrap(err, "opening uploaded file")
	}
	return document.File{
		Name:        fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Size:        fh.Size,
		Content:     f,
	}, func() { _ = f.Close() }, nil
}

type (
	// AssignRequest also accepts the legacy `documentId` / `teacherIds` keys.
	AssignRequest struct {
		DocumentID       string   `json:"document_id"`
		RecipientIDs     []string `json:"recipient_ids"`
		LegacyDocumentID string   `json:"documentId"`
		LegacyTeacherIDs []string `json:"teacherIds"`
	}

	UploadResponse struct {
		FileURL  string `json:"file_url"`
		FileName string `json:"file_name"`
		FileSize int64  `json:"file_size"`
	}
)

func (r AssignRequest) assignment() document.Assignment {
	a := document.Assignment{DocumentID: r.DocumentID, RecipientIDs: r.RecipientIDs}
	if a.DocumentID == "" {
		a.DocumentID = r.LegacyDocumentID
	}
	if a.RecipientIDs == nil {
		a.RecipientIDs = r.LegacyTeacherIDs
	}
	return a
}
