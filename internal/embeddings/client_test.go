package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fakeBackend(t *testing.T, handler func(req embedRequest) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := handler(req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func constantEmbeddings(dim int) func(req embedRequest) interface{} {
	return func(req embedRequest) interface{} {
		out := make([][]float64, len(req.Input))
		for i := range out {
			v := make([]float64, dim)
			v[0] = 1
			out[i] = v
		}
		return map[string]interface{}{"embeddings": out}
	}
}

func newTestClient(baseURL string, dim int) *Client {
	return NewClient(Config{
		BaseURL:   baseURL,
		Model:     "test-embed",
		Dimension: dim,
		Timeout:   time.Second,
	}, zap.NewNop())
}

func TestEmbedReturnsVector(t *testing.T) {
	srv := fakeBackend(t, constantEmbeddings(4))
	defer srv.Close()

	c := newTestClient(srv.URL, 4)
	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, v)
}

func TestEmbedBatchPreservesOrderAndCount(t *testing.T) {
	srv := fakeBackend(t, func(req embedRequest) interface{} {
		out := make([][]float64, len(req.Input))
		for i := range out {
			out[i] = []float64{float64(i), 0}
		}
		return map[string]interface{}{"embeddings": out}
	})
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{0, 0}, vecs[0])
	assert.Equal(t, []float32{2, 0}, vecs[2])
}

func TestEmbedTruncatesLongInput(t *testing.T) {
	var gotLen atomic.Int64
	srv := fakeBackend(t, func(req embedRequest) interface{} {
		gotLen.Store(int64(len(req.Input[0])))
		return map[string]interface{}{"embeddings": [][]float64{{1, 0}}}
	})
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	_, err := c.Embed(context.Background(), strings.Repeat("x", 5000))
	require.NoError(t, err)
	assert.Equal(t, int64(1500), gotLen.Load())
}

func TestTruncateCountsCharacters(t *testing.T) {
	s := strings.Repeat("é", 100) // 2 bytes each
	assert.Equal(t, s, Truncate(s, 100), "100 characters fit a 100-character budget")
	assert.Equal(t, strings.Repeat("é", 40), Truncate(s, 40))
	assert.Equal(t, "abc", Truncate("abc", 500))
}

func TestEmbedWrongDimensionIsMalformed(t *testing.T) {
	srv := fakeBackend(t, constantEmbeddings(3))
	defer srv.Close()

	c := newTestClient(srv.URL, 8)
	_, err := c.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestEmbedGarbageBodyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 4)
	_, err := c.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestEmbedUnreachableBackend(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1", 4)
	_, err := c.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestEmbedRetriesOnceOnTransportError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": [][]float64{{1, 0, 0, 0}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 4)
	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, v)
	assert.Equal(t, int64(2), calls.Load())
}

func TestEmbedBatchGatesConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": [][]float64{{1, 0, 0, 0}},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:     srv.URL,
		Model:       "test-embed",
		Dimension:   4,
		Timeout:     time.Second,
		Concurrency: 2,
	}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Embed(context.Background(), "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2), "the semaphore caps concurrent backend calls")
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1", 4)
	vecs, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}
