package contextstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chromaTestCollectionID = "c0ffee"

// chromaServer simulates enough of the ChromaDB REST API for the provider.
func chromaServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var added []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, true, req["get_or_create"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   chromaTestCollectionID,
			"name": req["name"],
		})
	})
	mux.HandleFunc("/api/v1/collections/"+chromaTestCollectionID+"/query", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req["query_texts"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"documents": [][]string{{"Enrollments link users to courses.", "Completions carry grades."}},
			"metadatas": [][]map[string]any{{
				{"type": "course_management"},
				{"type": "course_management"},
			}},
			"distances": [][]float64{{0.12, 0.48}},
		})
	})
	mux.HandleFunc("/api/v1/collections/"+chromaTestCollectionID+"/add", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs       []string `json:"ids"`
			Documents []string `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.IDs, 1)
		added = append(added, req.Documents...)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/v1/heartbeat", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int64{"nanosecond heartbeat": 1})
	})
	return httptest.NewServer(mux), &added
}

func newChromaTestProvider(t *testing.T, url string) *ChromaProvider {
	t.Helper()
	p, err := NewChromaProvider(context.Background(), ChromaConfig{BaseURL: url})
	require.NoError(t, err)
	return p
}

func TestChromaProvider_SearchKnowledge(t *testing.T) {
	srv, _ := chromaServer(t)
	defer srv.Close()

	p := newChromaTestProvider(t, srv.URL)
	results, err := p.SearchKnowledge(context.Background(), "who is enrolled?", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Enrollments link users to courses.", results[0].Content)
	assert.Equal(t, "course_management", results[0].Metadata["type"])
	assert.InDelta(t, 0.12, results[0].Distance, 1e-9)
}

func TestChromaProvider_AddDocument(t *testing.T) {
	srv, added := chromaServer(t)
	defer srv.Close()

	p := newChromaTestProvider(t, srv.URL)
	id, err := p.AddDocument(context.Background(), "New fact.", map[string]string{"source": "learned"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, []string{"New fact."}, *added)
}

func TestChromaProvider_Healthy(t *testing.T) {
	srv, _ := chromaServer(t)
	defer srv.Close()

	p := newChromaTestProvider(t, srv.URL)
	assert.NoError(t, p.Healthy(context.Background()))
}

func TestChromaProvider_UnavailableServer(t *testing.T) {
	srv, _ := chromaServer(t)
	p := newChromaTestProvider(t, srv.URL)
	srv.Close()

	_, err := p.SearchKnowledge(context.Background(), "anything", 3)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, p.Healthy(context.Background()), ErrUnavailable)
}

func TestSeedKnowledgeBase(t *testing.T) {
	srv, added := chromaServer(t)
	defer srv.Close()

	p := newChromaTestProvider(t, srv.URL)
	require.NoError(t, SeedKnowledgeBase(context.Background(), p, nil))
	assert.Len(t, *added, len(seedKnowledge))
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider()
	assert.Equal(t, "noop", p.Name())

	results, err := p.SearchKnowledge(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, results)

	id, err := p.AddDocument(context.Background(), "fact", nil)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, p.Healthy(context.Background()))
}
