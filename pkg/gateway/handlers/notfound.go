package handlers

import (
	"net/http"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/gateway/apierror"
	"github.com/vango-go/vai-host/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, http.StatusNotFound, &apierror.Body{
		Type:      string(core.ErrNotFound),
		Message:   "not found",
		RequestID: reqID,
	})
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Body{
		Type:      apierror.TypeInvalidRequest,
		Message:   "method not allowed",
		Code:      "method_not_allowed",
		RequestID: reqID,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.WriteError(w, err, reqID)
}
