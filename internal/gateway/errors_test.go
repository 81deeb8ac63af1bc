package gateway

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hyperasset/hyperasset/internal/domain"
)

func TestStatusFor_MapsDomainTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ValidationError("bad input"), http.StatusBadRequest, "validation_error"},
		{domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrDuplicate, http.StatusConflict, "duplicate"},
		{domain.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
		{domain.ErrConnection, http.StatusBadGateway, "upstream_error"},
		{domain.ProviderError("claude", errors.New("rate limited")), http.StatusBadGateway, "upstream_error"},
		{domain.ConfigError("missing key"), http.StatusInternalServerError, "config_error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		status, code := statusFor(tc.err)
		assert.Equal(t, tc.status, status, "err %v", tc.err)
		assert.Equal(t, tc.code, code, "err %v", tc.err)
	}
}

func TestSplitServicePath(t *testing.T) {
	service, rest := splitServicePath("/api/news/execute")
	assert.Equal(t, "news", service)
	assert.Equal(t, "/execute", rest)

	service, rest = splitServicePath("/api/chart")
	assert.Equal(t, "chart", service)
	assert.Equal(t, "/", rest)

	service, rest = splitServicePath("/api/flow/status/deep")
	assert.Equal(t, "flow", service)
	assert.Equal(t, "/status/deep", rest)
}
