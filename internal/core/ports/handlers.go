package ports

import (
	"context"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"

	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	ListEntities(c *gin.Context)
	CreateEntity(c *gin.Context)
	GetEntity(c *gin.Context)
	CloseEntity(c *gin.Context)
	SetAttribute(c *gin.Context)
	SendCommand(c *gin.Context)
	SaveEntity(c *gin.Context)
}

// CommandHandler receives an inbound command addressed to a live entity.
type CommandHandler func(ctx context.Context, id domain.EntityID, payload map[string]any)
