package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeys(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, 44)

	keys, err := NewAPIKeys(key)
	require.NoError(t, err)
	assert.Equal(t, 1, keys.Len())
	assert.True(t, keys.Validate(key))
	assert.True(t, keys.Validate(key), "cached match")
	assert.False(t, keys.Validate("wrong"))
	assert.False(t, keys.Validate(""))

	_, err = NewAPIKeys("")
	assert.ErrorIs(t, err, ErrEmptyKey)

	var none *APIKeys
	assert.False(t, none.Validate(key))
	assert.Zero(t, none.Len())
}

func TestMiddleware(t *testing.T) {
	keys, err := NewAPIKeys("s3cret")
	require.NoError(t, err)
	h := Middleware(keys, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing key", "/invoke/x", nil, http.StatusUnauthorized},
		{"wrong key", "/invoke/x", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/invoke/x", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusNoContent},
		{"header", "/invoke/x", map[string]string{HeaderAPIKey: "s3cret"}, http.StatusNoContent},
		{"public path", "/health", nil, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMiddlewareDisabledWithoutKeys(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	Middleware(nil)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
