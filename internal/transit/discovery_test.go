package transit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"headway.transitboard.org/internal/board"
	"headway.transitboard.org/internal/stopindex"
)

// discoveryServer answers nearby lookups per mode, with selectable failures.
func discoveryServer(t *testing.T, failModes map[string]int) *Client {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("mode")
		if status, ok := failModes[mode]; ok {
			w.WriteHeader(status)
			return
		}
		switch mode {
		case "train":
			_, _ = w.Write([]byte(`{"stops": [{"id": "t1", "name": "Flinders Street", "mode": "train", "latitude": -37.8183, "longitude": 144.9671, "distanceMeters": 120}]}`))
		case "tram":
			_, _ = w.Write([]byte(`{"stops": [{"id": "r1", "name": "Federation Square", "mode": "tram", "latitude": -37.8179, "longitude": 144.9691, "distanceMeters": 60}]}`))
		default:
			_, _ = w.Write([]byte(`{"stops": []}`))
		}
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second, RequestsPerSecond: 1000})
}

func TestDiscovery_MergesAllModes(t *testing.T) {
	client := discoveryServer(t, nil)
	d := NewDiscovery(client, []board.Mode{board.ModeTrain, board.ModeTram}, 800, nil, nil)

	got, err := d.DiscoverNearby(context.Background(), -37.8180, 144.9680)

	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{got[0].StopID, got[1].StopID}
	assert.ElementsMatch(t, []string{"t1", "r1"}, ids)
}

func TestDiscovery_ToleratesPartialFailure(t *testing.T) {
	client := discoveryServer(t, map[string]int{"train": http.StatusInternalServerError})
	d := NewDiscovery(client, []board.Mode{board.ModeTrain, board.ModeTram}, 800, nil, nil)

	got, err := d.DiscoverNearby(context.Background(), -37.8180, 144.9680)

	require.NoError(t, err, "one working mode is enough")
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].StopID)
}

func TestDiscovery_TotalFailureReturnsError(t *testing.T) {
	client := discoveryServer(t, map[string]int{
		"train": http.StatusInternalServerError,
		"tram":  http.StatusBadGateway,
	})
	d := NewDiscovery(client, []board.Mode{board.ModeTrain, board.ModeTram}, 800, nil, nil)

	got, err := d.DiscoverNearby(context.Background(), -37.8180, 144.9680)

	require.Error(t, err)
	assert.Empty(t, got)
}

func TestDiscovery_RecordsResultsInIndex(t *testing.T) {
	client := discoveryServer(t, nil)
	index := stopindex.New()
	d := NewDiscovery(client, []board.Mode{board.ModeTrain, board.ModeTram}, 800, index, nil)

	assert.Empty(t, d.CachedNearby(-37.8180, 144.9680), "index starts cold")

	_, err := d.DiscoverNearby(context.Background(), -37.8180, 144.9680)
	require.NoError(t, err)

	cached := d.CachedNearby(-37.8180, 144.9680)
	require.Len(t, cached, 2)
	assert.Equal(t, "r1", cached[0].StopID, "cached results come back distance sorted")
}

func TestDiscovery_CachedNearbyWithoutIndex(t *testing.T) {
	d := NewDiscovery(nil, nil, 800, nil, nil)
	assert.Nil(t, d.CachedNearby(-37.8180, 144.9680))
}

func TestDiscovery_SearchFeedsIndex(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/search") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"stops": [{"id": "rich", "name": "Richmond", "mode": "train", "latitude": -37.8239, "longitude": 144.9906}]}`))
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second, RequestsPerSecond: 1000})

	index := stopindex.New()
	d := NewDiscovery(client, []board.Mode{board.ModeTrain}, 800, index, nil)

	got, err := d.Search(context.Background(), "", "richmond")
	require.NoError(t, err)
	require.Len(t, got, 1)

	cached := d.CachedNearby(-37.8239, 144.9906)
	require.Len(t, cached, 1)
	assert.Equal(t, "rich", cached[0].StopID)
}
