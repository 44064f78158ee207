package utils

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Cors lets a browser on another host read and set parameters.
func Cors() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPut},
		AllowHeaders:    []string{"Origin", "Content-Type"},
	})
}
