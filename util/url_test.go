package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUrl(t *testing.T) {
	cases := []struct {
		base, path, expected string
	}{
		{"https://indexer.example.com", "/query/Qm1", "https://indexer.example.com/query/Qm1"},
		{"https://indexer.example.com/", "/payg/Qm1", "https://indexer.example.com/payg/Qm1"},
		{"https://indexer.example.com/some/prefix", "/metadata/Qm1", "https://indexer.example.com/metadata/Qm1"},
		{"http://10.0.0.1:8000", "/query/Qm1", "http://10.0.0.1:8000/query/Qm1"},
	}
	for _, tc := range cases {
		got, err := ResolveUrl(tc.base, tc.path)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, got)
	}

	_, err := ResolveUrl("not a url", "/query/Qm1")
	assert.Error(t, err)
}
