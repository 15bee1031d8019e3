package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// JSONErrorHandler sends errors to the client as {"message": ...}. Errors other than
// *echo.HTTPError are internal server errors.
func JSONErrorHandler(err error, c echo.Context) {
	var (
		code             = http.StatusInternalServerError
		msg  interface{} = err
	)
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = he.Message
	}
	if code >= 500 {
		c.Logger().Error(err)
	}
	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, map[string]interface{}{"message": fmt.Sprint(msg)})
	}
	if err != nil {
		c.Logger().Error(err)
	}
}

// route adapts a handler returning a value to be rendered as JSON.
func route(handler func(c echo.Context) (interface{}, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		result, err := handler(c)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, result)
	}
}
