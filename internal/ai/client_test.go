package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/video"
)

const testPredictions = `{"predictions":[{"x":320,"y":240,"width":100,"height":50,"class":"Minor Defect","confidence":0.77}]}`

func setupTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*ClientConfig)) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := ClientConfig{
		EndpointURL: server.URL + "/canned-food-surface-defect/1",
		APIKey:      "secret-key",
		Timeout:     5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := NewClient(cfg, logger.NewNopLogger())
	require.NoError(t, err)
	return client
}

func testImage() *video.EncodedImage {
	return &video.EncodedImage{
		Data:     []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02},
		Width:    640,
		Height:   480,
		FrameSeq: 7,
	}
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "channel closed without a result")
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inference result")
		return Result{}
	}
}

func TestClient_SubmitRequestFormat(t *testing.T) {
	img := testImage()

	var (
		gotMethod, gotPath, gotKey, gotType, gotID string
		gotBody                                    []byte
	)
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("api_key")
		gotType = r.Header.Get("Content-Type")
		gotID = r.Header.Get("X-Request-ID")
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testPredictions))
	}, nil)

	ch, err := client.Submit(context.Background(), img)
	require.NoError(t, err)
	res := await(t, ch)
	require.NoError(t, res.Err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/canned-food-surface-defect/1", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "application/x-www-form-urlencoded", gotType)
	assert.Equal(t, res.RequestID, gotID)
	assert.Equal(t, base64.StdEncoding.EncodeToString(img.Data), string(gotBody))
	assert.NotContains(t, string(gotBody), "\n")
	assert.JSONEq(t, testPredictions, string(res.Body))

	_, more := <-ch
	assert.False(t, more, "channel must be closed after the result")
}

func TestClient_EndpointIsRedacted(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	assert.NotContains(t, client.Endpoint(), "secret-key")
}

func TestClient_InvalidEndpoint(t *testing.T) {
	_, err := NewClient(ClientConfig{EndpointURL: "not a url"}, logger.NewNopLogger())
	assert.Error(t, err)
}

func TestClient_NonSuccessStatus(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
	}, nil)

	ch, err := client.Submit(context.Background(), testImage())
	require.NoError(t, err)
	res := await(t, ch)

	var te *TransportError
	require.True(t, errors.As(res.Err, &te))
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
	assert.Contains(t, te.Body, "invalid api key")
	assert.True(t, IsTransportError(res.Err))
}

func TestClient_ConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewClient(ClientConfig{EndpointURL: url, APIKey: "k"}, logger.NewNopLogger())
	require.NoError(t, err)

	_, err = client.Infer(context.Background(), testImage())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 0, te.StatusCode)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, func(c *ClientConfig) {
		c.Timeout = 50 * time.Millisecond
	})
	defer close(release)

	ch, err := client.Submit(context.Background(), testImage())
	require.NoError(t, err)
	res := await(t, ch)
	assert.True(t, IsTransportError(res.Err))
}

func TestClient_ResponseTooLarge(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testPredictions))
	}, func(c *ClientConfig) {
		c.MaxResponseBytes = 16
	})

	_, err := client.Infer(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClient_BusyWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		started.Done()
		<-release
		_, _ = w.Write([]byte(`{"predictions":[]}`))
	}, func(c *ClientConfig) {
		c.MaxInFlight = 2
	})

	ch1, err := client.Submit(context.Background(), testImage())
	require.NoError(t, err)
	ch2, err := client.Submit(context.Background(), testImage())
	require.NoError(t, err)
	started.Wait()

	_, err = client.Submit(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, await(t, ch1).Err)
	require.NoError(t, await(t, ch2).Err)

	ch3, err := client.Submit(context.Background(), testImage())
	require.NoError(t, err, "slot must be released once calls finish")
	require.NoError(t, await(t, ch3).Err)
}

func TestClient_ContextCancel(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.Submit(ctx, testImage())
	require.NoError(t, err)
	cancel()

	res := await(t, ch)
	assert.ErrorIs(t, res.Err, context.Canceled)
}
