package handler

import (
	"io"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"chat-session/internal/usecase"
)

const maxBodyBytes = 1 << 20

// ServeHTTP lets the handler run outside Lambda. The request is converted to
// the proxy event API Gateway would send, using the first value of each header
// and query parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeProxyResponse(w, h.fail(h.log, req.Header.Get(headerCorrelationID),
			usecase.NewError(usecase.ErrorInvalidInput, "unreadable_body", err)))
		return
	}

	event := events.APIGatewayProxyRequest{
		HTTPMethod:            req.Method,
		Path:                  req.URL.Path,
		Headers:               firstValues(req.Header),
		QueryStringParameters: firstValues(req.URL.Query()),
		Body:                  string(raw),
	}

	resp, err := h.Handle(req.Context(), event)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeProxyResponse(w, resp)
}

func writeProxyResponse(w http.ResponseWriter, resp events.APIGatewayProxyResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func firstValues(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
