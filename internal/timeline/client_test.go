package timeline_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalgrid/delayer/internal/timeline"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

func newClient(t *testing.T, retries int, transport roundTripFunc) *timeline.HTTPClient {
	t.Helper()
	client, err := timeline.NewHTTPClient(timeline.HTTPClientConfig{
		BaseURL:    "http://timeline",
		Timeout:    time.Second,
		Retries:    retries,
		HTTPClient: &http.Client{Transport: transport},
	})
	require.NoError(t, err)
	return client
}

func TestElementsQueriesPrepareEntries(t *testing.T) {
	client := newClient(t, 0, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/timeline-service-private/timelines/IUN-1/elements", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "false", q.Get("confidentialInfoRequired"))
		assert.Equal(t, "PREPARE_", q.Get("timelineId"))
		return jsonResponse(http.StatusOK, `[
			{"elementId": "REQ-1", "category": "PREPARE_ANALOG_DOMICILE", "iun": "IUN-1"},
			{"elementId": "EV-2", "category": "SEND_ANALOG_DOMICILE", "iun": "IUN-1"}
		]`), nil
	})

	elements, err := client.Elements(context.Background(), "IUN-1")
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.True(t, elements[0].Cancellable())
	assert.False(t, elements[1].Cancellable(), "non-prepare categories carry no delivery request")
}

func TestElementsRetriesServerErrors(t *testing.T) {
	calls := 0
	client := newClient(t, 2, func(r *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return jsonResponse(http.StatusInternalServerError, ""), nil
		}
		return jsonResponse(http.StatusOK, `[]`), nil
	})

	elements, err := client.Elements(context.Background(), "IUN-1")
	require.NoError(t, err)
	assert.Empty(t, elements)
	assert.Equal(t, 3, calls)
}

func TestElementsRejectionCarriesIUN(t *testing.T) {
	client := newClient(t, 0, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, ""), nil
	})

	_, err := client.Elements(context.Background(), "IUN-404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IUN-404")
}

func TestElementsRequiresIUN(t *testing.T) {
	client := newClient(t, 0, func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	_, err := client.Elements(context.Background(), "")
	assert.Error(t, err)
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := timeline.NewHTTPClient(timeline.HTTPClientConfig{})
	assert.Error(t, err)
}
