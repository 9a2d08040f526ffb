package entropy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeededIsReproducible(t *testing.T) {
	a, b := NewSeeded(42), NewSeeded(42)
	for i := 0; i < 20; i++ {
		v := a.Float64()
		assert.Equal(t, v, b.Float64())
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestCryptoRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := Crypto{}.Float64()
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestNewPicksSource(t *testing.T) {
	assert.IsType(t, &Seeded{}, New(7, "key", ""))
	assert.IsType(t, &Client{}, New(0, "key", ""))
	assert.IsType(t, Crypto{}, New(0, "", ""))
	assert.Nil(t, NewClient("", ""))
}

func TestClientDrainsPool(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Method string `json:"method"`
			Params struct {
				APIKey string `json:"apiKey"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "generateDecimalFractions", req.Method)
		assert.Equal(t, "secret", req.Params.APIKey)

		data := make([]float64, 20)
		for i := range data {
			data[i] = float64(i) / 20
		}
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"random": map[string]any{"data": data}},
		})
	}))
	defer srv.Close()

	c := NewClient("secret", srv.URL)
	assert.Equal(t, 0.0, c.Float64())
	assert.Equal(t, 0.05, c.Float64())
	assert.Equal(t, 18, c.Pooled())
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientFallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "quota"}})
	}))
	defer srv.Close()

	c := NewClient("secret", srv.URL)
	v := c.Float64()
	assert.GreaterOrEqual(t, v, 0.0)
	assert.Less(t, v, 1.0)
	assert.Equal(t, 0, c.Pooled())

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	assert.Less(t, nilClient.Float64(), 1.0)
}
