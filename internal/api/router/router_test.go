package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/thumbnailer/internal/api/handlers/jobs"
	"github.com/aliskhannn/thumbnailer/internal/model"
)

type fakeSender struct {
	bodies [][]byte
	err    error
}

func (s *fakeSender) Send(_ context.Context, body []byte) error {
	if s.err != nil {
		return s.err
	}
	s.bodies = append(s.bodies, body)
	return nil
}

func serve(t *testing.T, s *fakeSender, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	r := Setup(jobs.NewHandler(s, zerolog.Nop()))

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	return rec
}

func TestHealthz(t *testing.T) {
	rec := serve(t, &fakeSender{}, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"ok"}`, rec.Body.String())
}

func TestEnqueue(t *testing.T) {
	s := &fakeSender{}
	rec := serve(t, s, http.MethodPost, "/api/jobs",
		`{"img_src_url":"https://example.com/a.jpg","img_local_name":"abc123-a.jpg"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, s.bodies, 1)

	job, err := model.DecodeJob(s.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, model.Job{SourceURL: "https://example.com/a.jpg", LocalName: "abc123-a.jpg"}, job)

	var resp struct {
		Result model.Job `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, job, resp.Result)
}

func TestEnqueue_Malformed(t *testing.T) {
	tests := []string{
		``,
		`not json`,
		`{"img_src_url":"https://example.com/a.jpg"}`,
		`{"img_local_name":"a.jpg"}`,
		`{"img_src_url":"","img_local_name":"a.jpg"}`,
	}

	for _, body := range tests {
		s := &fakeSender{}
		rec := serve(t, s, http.MethodPost, "/api/jobs", body)

		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Empty(t, s.bodies, body)
	}
}

func TestEnqueue_SendFailure(t *testing.T) {
	s := &fakeSender{err: errors.New("queue unavailable")}
	rec := serve(t, s, http.MethodPost, "/api/jobs",
		`{"img_src_url":"https://example.com/a.jpg","img_local_name":"a.jpg"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"failed to enqueue job"}`, rec.Body.String())
}
