package httptransport

import (
	"errors"
	"net/http"

	"github.com/iliamunaev/photo-kiosk/internal/apperr"
	"github.com/iliamunaev/photo-kiosk/internal/kiosk"
	"github.com/iliamunaev/photo-kiosk/internal/model"
)

// errorKind extends apperr.Kind with the kiosk's own lifecycle error.
func errorKind(err error) string {
	if errors.Is(err, kiosk.ErrStopped) {
		return "unavailable"
	}
	return apperr.Kind(err)
}

func httpStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, kiosk.ErrStopped) {
		return http.StatusServiceUnavailable
	}
	return apperr.HTTPStatus(err)
}

func errorPayload(err error) *model.ErrorPayload {
	return &model.ErrorPayload{Kind: errorKind(err), Message: err.Error()}
}
