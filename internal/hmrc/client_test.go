package hmrc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exports-digital/licensing-api/pkg/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.HMRCConfig{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		RequestTimeout: 5 * time.Second,
	}, nil, nil)
}

func testPayload() LicencePayload {
	return LicencePayload{
		ID:        "lic-1",
		Reference: "GBSIEL/2026/0000001/P",
		Type:      "siel",
		Action:    "insert",
		StartDate: "2026-01-01",
		EndDate:   "2028-01-01",
		Goods:     []Good{{ID: "g-1", Name: "Rifle scope", Quantity: 10, Value: 500}},
	}
}

func TestSendLicenceCreated(t *testing.T) {
	var got struct {
		Licence LicencePayload `json:"licence"`
	}
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/mail/update-licence/", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusCreated)
	})

	created, err := client.SendLicence(context.Background(), testPayload())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "lic-1", got.Licence.ID)
	assert.Equal(t, "insert", got.Licence.Action)
	require.Len(t, got.Licence.Goods, 1)
	assert.Equal(t, "g-1", got.Licence.Goods[0].ID)
}

func TestSendLicenceAlreadyKnown(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	created, err := client.SendLicence(context.Background(), testPayload())
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSendLicenceErrorIncludesResponseBody(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream mailbox unavailable"))
	})

	created, err := client.SendLicence(context.Background(), testPayload())
	require.Error(t, err)
	assert.False(t, created)
	assert.Contains(t, err.Error(), "status=502")
	assert.Contains(t, err.Error(), "upstream mailbox unavailable")
	assert.Contains(t, err.Error(), "lic-1")
}

func TestSendLicenceOmitsAuthWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(config.HMRCConfig{BaseURL: srv.URL, RequestTimeout: 5 * time.Second}, nil, nil)
	_, err := client.SendLicence(context.Background(), testPayload())
	require.NoError(t, err)
}
