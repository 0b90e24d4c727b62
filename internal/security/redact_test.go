package security

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "", MaskCredential(""))
	assert.Equal(t, "***", MaskCredential("abc"))
	assert.Equal(t, "ab****", MaskCredential("abcdef"))
	assert.Equal(t, "abcd****mnop", MaskCredential("abcdefghmnop"))
}

func TestRedactString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"query string", "https://api.polygon.io/v2/x?adjusted=true&apiKey=abcdefgh12345678&sort=asc",
			"https://api.polygon.io/v2/x?adjusted=true&apiKey=abcd********5678&sort=asc"},
		{"log line", "api_key: secretvalue99", "api_key: secr*****ue99"},
		{"quoted", `password="hunter22"`, `password=hu******"`},
		{"nothing to hide", "GET /v3/reference/tickers/AAPL", "GET /v3/reference/tickers/AAPL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactString(tt.in))
		})
	}
}

func TestRedactErrorKeepsChain(t *testing.T) {
	err := fmt.Errorf(`Get "https://api.polygon.io/v2/x?apiKey=abcdefgh12345678": %w`, context.DeadlineExceeded)

	red := RedactError(err)
	assert.NotContains(t, red.Error(), "abcdefgh12345678")
	assert.Contains(t, red.Error(), "apiKey=abcd********5678")
	assert.ErrorIs(t, red, context.DeadlineExceeded)
}

func TestRedactErrorPassesThroughCleanErrors(t *testing.T) {
	err := fmt.Errorf("plain failure")
	assert.Same(t, err, RedactError(err))
	assert.Nil(t, RedactError(nil))
}
