package helpers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ParamUUID reads a path parameter as a UUID.
func ParamUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
