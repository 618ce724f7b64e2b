package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/maartenbreddels/ipywebrtc/internal/core/codec"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/internal/core/ports"
	"github.com/maartenbreddels/ipywebrtc/internal/core/services"
	apperrors "github.com/maartenbreddels/ipywebrtc/pkg/errors"
	"github.com/maartenbreddels/ipywebrtc/pkg/validation"

	"github.com/gin-gonic/gin"
)

var _ ports.HTTPHandler = (*EntityHandler)(nil)

type EntityHandler struct {
	host *services.Host
}

func NewEntityHandler(host *services.Host) *EntityHandler {
	return &EntityHandler{host: host}
}

// SetupRoutes mounts the entity API on api. read guards the GET routes and
// write guards everything that mutates state.
func (h *EntityHandler) SetupRoutes(api gin.IRouter, read, write gin.HandlerFunc) {
	api.GET("/kinds", read, h.ListKinds)

	entities := api.Group("/entities")
	{
		entities.GET("", read, h.ListEntities)
		entities.POST("", write, h.CreateEntity)
		entities.GET("/:id", read, h.GetEntity)
		entities.PATCH("/:id", write, h.SetAttribute)
		entities.DELETE("/:id", write, h.CloseEntity)
		entities.POST("/:id/commands/:name", write, h.SendCommand)
		entities.POST("/:id/save", write, h.SaveEntity)
	}
}

type createEntityRequest struct {
	Kind  domain.Kind                `json:"kind" binding:"required"`
	Attrs map[string]json.RawMessage `json:"attrs"`
}

type saveRequest struct {
	Filename string `json:"filename"`
}

type entityResponse struct {
	domain.EntityInfo
	Attrs map[string]any `json:"attrs"`
}

// render converts entity values to their REST form. Binary attributes are
// reported by length unless includeBinary is set.
func render(e *entity.Entity, info domain.EntityInfo, includeBinary bool) entityResponse {
	values := e.Values()
	attrs := make(map[string]any, len(values))
	for name, v := range values {
		if b, ok := v.([]byte); ok && !includeBinary {
			attrs[name] = gin.H{"bytes": len(b)}
			continue
		}
		attrs[name] = codec.ToJSON(v)
	}
	return entityResponse{EntityInfo: info, Attrs: attrs}
}

// decodeAttrs converts JSON attribute values using the declared types of
// kind. Names are returned sorted so writes apply in a stable order.
func (h *EntityHandler) decodeAttrs(kind domain.Kind, raw map[string]json.RawMessage) ([]string, map[string]any, error) {
	registry := h.host.Catalog().Registry()
	names := make([]string, 0, len(raw))
	values := make(map[string]any, len(raw))
	for name, msg := range raw {
		spec, err := registry.Spec(kind, name)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownKind) {
				return nil, nil, err
			}
			return nil, nil, &domain.ValidationError{Kind: kind, Attr: name, Reason: err.Error()}
		}
		v, err := codec.FromJSON(spec, msg)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, name)
		values[name] = v
	}
	sort.Strings(names)
	return names, values, nil
}

func (h *EntityHandler) lookup(c *gin.Context) (*entity.Entity, bool) {
	id := c.Param("id")
	if err := validation.ValidateEntityID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return nil, false
	}
	e, err := h.host.Lookup(domain.EntityID(id))
	if err != nil {
		c.Error(err)
		return nil, false
	}
	return e, true
}

func (h *EntityHandler) respond(c *gin.Context, status int, e *entity.Entity) {
	info, err := h.host.Info(e.ID())
	if err != nil {
		// closed between the write and the read back
		info = e.Info()
	}
	c.JSON(status, render(e, info, c.Query("binary") == "true"))
}

func (h *EntityHandler) ListKinds(c *gin.Context) {
	cat := h.host.Catalog()
	registry := cat.Registry()

	kinds := make([]gin.H, 0)
	for _, kind := range cat.Kinds() {
		attrs := make([]gin.H, 0)
		for _, spec := range registry.Attrs(kind) {
			attrs = append(attrs, gin.H{
				"name":      spec.Name,
				"type":      spec.Type,
				"default":   codec.ToJSON(spec.Default),
				"sync":      spec.Sync,
				"read_only": spec.ReadOnly,
			})
		}
		kinds = append(kinds, gin.H{"kind": kind, "attrs": attrs})
	}
	c.JSON(http.StatusOK, gin.H{"kinds": kinds})
}

func (h *EntityHandler) ListEntities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entities": h.host.List(),
	})
}

func (h *EntityHandler) CreateEntity(c *gin.Context) {
	var req createEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}

	names, values, err := h.decodeAttrs(req.Kind, req.Attrs)
	if err != nil {
		c.Error(err)
		return
	}
	attrs := make(map[string]any, len(names))
	for _, name := range names {
		attrs[name] = values[name]
	}

	e, err := h.host.Create(c.Request.Context(), req.Kind, attrs)
	if err != nil {
		c.Error(err)
		return
	}
	h.respond(c, http.StatusCreated, e)
}

func (h *EntityHandler) GetEntity(c *gin.Context) {
	e, ok := h.lookup(c)
	if !ok {
		return
	}
	h.respond(c, http.StatusOK, e)
}

// SetAttribute applies every attribute in the body in name order and stops
// at the first rejected write. Earlier writes stay applied.
func (h *EntityHandler) SetAttribute(c *gin.Context) {
	e, ok := h.lookup(c)
	if !ok {
		return
	}

	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil || len(raw) == 0 {
		c.Error(apperrors.NewInvalidInputError("body must be a non-empty JSON object of attribute values"))
		return
	}

	names, values, err := h.decodeAttrs(e.Kind(), raw)
	if err != nil {
		c.Error(err)
		return
	}
	for _, name := range names {
		if err := e.Set(name, values[name]); err != nil {
			c.Error(err)
			return
		}
	}
	h.respond(c, http.StatusOK, e)
}

func (h *EntityHandler) CloseEntity(c *gin.Context) {
	id := domain.EntityID(c.Param("id"))
	if err := h.host.Close(id); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "closing"})
}

func (h *EntityHandler) SendCommand(c *gin.Context) {
	e, ok := h.lookup(c)
	if !ok {
		return
	}

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		c.Error(apperrors.NewInvalidInputError("command payload must be a JSON object"))
		return
	}

	name := c.Param("name")
	if err := h.host.Dispatcher().SendCommand(c.Request.Context(), e.ID(), name, payload); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":      e.ID(),
		"command": name,
		"sync":    h.host.Bus().SyncState(e.ID()),
	})
}

func (h *EntityHandler) SaveEntity(c *gin.Context) {
	media := h.host.Media()
	if media == nil {
		c.Error(apperrors.NewServiceUnavailableError("no storage configured"))
		return
	}
	e, ok := h.lookup(c)
	if !ok {
		return
	}

	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}

	file, err := media.Save(c.Request.Context(), e, req.Filename)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": e.ID(), "file": file})
}
