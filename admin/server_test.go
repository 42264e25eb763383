package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walship/walship/publisher"
	"github.com/walship/walship/publisher/sink"
	"github.com/walship/walship/source"
)

type idleSource struct {
	batches chan source.Batch
}

func (s *idleSource) Start(ctx context.Context) error { return nil }
func (s *idleSource) Batches() <-chan source.Batch    { return s.batches }
func (s *idleSource) Ack(b source.Batch) error        { return nil }
func (s *idleSource) Stop() error                     { close(s.batches); return nil }

func newTestServer(t *testing.T) (*Server, *publisher.Pipeline) {
	t.Helper()

	filter, err := publisher.NewGlobFilter(nil, nil)
	require.NoError(t, err)

	pipeline, err := publisher.NewPipeline(publisher.PipelineConfig{
		Source:      &idleSource{batches: make(chan source.Batch)},
		Sink:        &sink.MockSink{},
		Transformer: publisher.NewTransformer("app"),
		Filter:      filter,
	})
	require.NoError(t, err)

	return NewServer("127.0.0.1", 0, pipeline), pipeline
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.httpSrv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	server.httpSrv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Pipeline publisher.Stats `json:"pipeline"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(0), resp.Pipeline.Received)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.httpSrv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
