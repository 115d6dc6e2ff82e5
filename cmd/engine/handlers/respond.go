package handlers

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/conductor/common/errs"
)

// respondError writes the uniform error envelope. 4xx codes mean the caller
// can correct the request.
func respondError(c echo.Context, err error) error {
	kind := errs.KindOf(err)
	body := map[string]interface{}{
		"error_code": kind,
		"message":    err.Error(),
	}
	if details := errs.DetailsOf(err); details != nil {
		body["details"] = details
	}
	return c.JSON(errs.HTTPStatus(kind), body)
}
