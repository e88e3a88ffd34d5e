// Package adminhttp exposes the Engine's admin operations (§6) over HTTP,
// built on github.com/labstack/echo/v4, the same library the reference
// scheduler uses for its own dashboard and logstash endpoints.
package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sushant-115/tablefate/core/fate"
	"github.com/sushant-115/tablefate/core/fate/fateid"
)

// Engine is the narrow slice of core/fate.Engine the admin surface drives.
type Engine interface {
	List(keyType *fate.FateKeyType) ([]fateid.FateID, error)
	GetStatus(id fateid.FateID) (fate.TStatus, error)
	GetReturn(id fateid.FateID) (string, error)
	GetException(id fateid.FateID) (string, error)
	Cancel(ctx context.Context, id fateid.FateID) (bool, error)
	Delete(id fateid.FateID) error
	WaitForCompletion(ctx context.Context, id fateid.FateID) (fate.TStatus, error)
}

// waitTimeout bounds how long the wait route's long-poll holds the
// connection open before returning the current status as-is.
const waitTimeout = 60 * time.Second

// NewHandler registers the admin routes on r and returns it, the same
// signature shape as the reference scheduler's NewHttpHandler helpers.
func NewHandler(engine Engine, r *echo.Echo) http.Handler {
	r.GET("/fate/transactions", func(c echo.Context) error {
		var keyType *fate.FateKeyType
		if v := c.QueryParam("key_type"); v != "" {
			kt := fate.FateKeyType(v)
			keyType = &kt
		}
		ids, err := engine.List(keyType)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.String()
		}
		return c.JSON(http.StatusOK, out)
	})

	r.POST("/fate/transactions/:id/cancel", func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}
		cancelled, err := engine.Cancel(c.Request().Context(), id)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		return c.JSON(http.StatusOK, map[string]bool{"cancelled": cancelled})
	})

	r.GET("/fate/transactions/:id/wait", func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), waitTimeout)
		defer cancel()
		status, err := engine.WaitForCompletion(ctx, id)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		return c.JSON(http.StatusOK, map[string]string{"status": status.String()})
	})

	r.DELETE("/fate/transactions/:id", func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}
		if err := engine.Delete(id); err != nil {
			if errors.Is(err, fate.ErrDeleteInProgress) {
				return c.JSON(http.StatusConflict, errorBody(err))
			}
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		return c.NoContent(http.StatusNoContent)
	})

	r.GET("/fate/transactions/:id/return", func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}
		rv, err := engine.GetReturn(id)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		return c.JSON(http.StatusOK, map[string]string{"return_value": rv})
	})

	r.GET("/fate/transactions/:id/exception", func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err))
		}
		exc, err := engine.GetException(id)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		return c.JSON(http.StatusOK, map[string]string{"exception": exc})
	})

	return r
}

func parseID(c echo.Context) (fateid.FateID, error) {
	return fateid.Parse(c.Param("id"))
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
