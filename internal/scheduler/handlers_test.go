package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskhold/internal/logging"
)

func TestHandler_RunTask(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(time.Hour, logging.Discard())
	s.Register("auto_confirm", func(context.Context) (Report, error) { return Report{Processed: 2}, nil })
	s.Register("broken", func(context.Context) (Report, error) { return Report{Failed: 1}, errors.New("boom") })

	r := gin.New()
	NewHandler(s).RegisterAdminRoutes(r.Group("/v1/admin"))

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	w := do("POST", "/v1/admin/sweeps/auto_confirm/run")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Report Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Report.Processed)

	assert.Equal(t, http.StatusNotFound, do("POST", "/v1/admin/sweeps/nope/run").Code)
	assert.Equal(t, http.StatusInternalServerError, do("POST", "/v1/admin/sweeps/broken/run").Code)

	w = do("GET", "/v1/admin/sweeps")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Tasks []string `json:"tasks"`
		Runs  []Run    `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, []string{"auto_confirm", "broken"}, list.Tasks)
	assert.Len(t, list.Runs, 2)
}
