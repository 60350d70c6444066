package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/windlabs/windbot/internal/pkg/errors"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestOK(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]string{"status": "healthy"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestErrorShaping(t *testing.T) {
	t.Run("api error passes through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Error(rec, apierrors.ErrReplay)

		assert.Equal(t, http.StatusConflict, rec.Code)
		body := decodeError(t, rec)
		assert.True(t, body.Error)
		assert.NotEmpty(t, body.Message)
	})

	t.Run("policy denial maps to 503", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Error(rec, apierrors.PolicyDenied("test", errors.New("circuit open")))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("permanent maps to 400", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Error(rec, apierrors.Permanent("test", errors.New("bad root")))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unclassified maps to 500", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Error(rec, errors.New("boom"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.True(t, decodeError(t, rec).Error)
	})
}

func TestHelpers(t *testing.T) {
	cases := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "nope") }, http.StatusBadRequest},
		{"unauthorized", func(w http.ResponseWriter) { Unauthorized(w, "who") }, http.StatusUnauthorized},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "gone") }, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.write(rec)
			assert.Equal(t, tc.status, rec.Code)
			assert.True(t, decodeError(t, rec).Error)
		})
	}
}
