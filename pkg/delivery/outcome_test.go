package delivery

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/ethhook"
)

func respond(status int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(""))}
}

func TestClassify2xxIsSuccess(t *testing.T) {
	c := classify(respond(http.StatusOK, nil), nil)
	require.Equal(t, ethhook.OutcomeSuccess, c.outcome)
	require.False(t, c.transient)
}

func TestClassify4xxIsPermanentExceptRetryable(t *testing.T) {
	c := classify(respond(http.StatusBadRequest, nil), nil)
	require.False(t, c.transient, "400 must be a permanent failure")

	c = classify(respond(http.StatusNotFound, nil), nil)
	require.False(t, c.transient, "404 must be a permanent failure")
}

func TestClassify408425429AreTransient(t *testing.T) {
	for _, status := range []int{http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests} {
		c := classify(respond(status, nil), nil)
		require.True(t, c.transient, "status %d must be transient", status)
	}
}

func TestClassify5xxIsTransient(t *testing.T) {
	c := classify(respond(http.StatusServiceUnavailable, nil), nil)
	require.True(t, c.transient)
}

func TestClassifyHonorsRetryAfterOn429(t *testing.T) {
	c := classify(respond(http.StatusTooManyRequests, map[string]string{"Retry-After": "10"}), nil)
	require.Equal(t, 10*time.Second, c.retryAfter)
}

func TestClassifyCapsRetryAfterAtFiveMinutes(t *testing.T) {
	c := classify(respond(http.StatusTooManyRequests, map[string]string{"Retry-After": "3600"}), nil)
	require.Equal(t, 5*time.Minute, c.retryAfter)
}
