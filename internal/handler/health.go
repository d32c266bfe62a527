package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"refprice/internal/service"
)

const (
	statusConnected = "connected"
	statusError     = "error"
	statusDisabled  = "disabled"
)

// Health returns a JSON health check response.
// Checks DB and Redis connectivity plus each source circuit; never exposes
// credentials or internals. A nil db or rdb is reported as "disabled".
func Health(db *gorm.DB, rdb redis.UniversalClient, coordinators service.Coordinators) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		dbStatus := statusDisabled
		if db != nil {
			dbStatus = statusConnected
			sqlDB, err := db.DB()
			if err != nil || sqlDB.PingContext(ctx) != nil {
				dbStatus = statusError
			}
		}

		redisStatus := statusDisabled
		if rdb != nil {
			redisStatus = statusConnected
			if rdb.Ping(ctx).Err() != nil {
				redisStatus = statusError
			}
		}

		circuits := make(map[string]string, len(coordinators))
		for name, co := range coordinators {
			st := co.Status().Circuit
			circuits[name] = st.State
			if st.Demoted {
				circuits[name] = "demoted"
			}
		}

		status := http.StatusOK
		if dbStatus == statusError || redisStatus == statusError {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"ok":       status == http.StatusOK,
			"db":       dbStatus,
			"redis":    redisStatus,
			"circuits": circuits,
		})
	}
}
