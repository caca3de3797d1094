package httpapi

import (
	"encoding/json"
	"errors"

	"github.com/labstack/echo/v4"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

func decodeJSON(raw string, out any) error {
	return json.Unmarshal([]byte(raw), out)
}

func asHTTPError(err error, target **echo.HTTPError) bool {
	return errors.As(err, target)
}

func asPVErr(err error, target **pverr.Error) bool {
	return errors.As(err, target)
}
