package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{name: "https with REST port maps to gRPC", rawURL: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, useTLS: true},
		{name: "http localhost REST", rawURL: "http://localhost:6333", host: "localhost", port: 6334},
		{name: "explicit gRPC port kept", rawURL: "http://localhost:6334", host: "localhost", port: 6334},
		{name: "custom port kept", rawURL: "http://qdrant:7000", host: "qdrant", port: 7000},
		{name: "no port defaults to gRPC", rawURL: "http://qdrant", host: "qdrant", port: 6334},
		{name: "garbage", rawURL: "://nope", wantErr: true},
		{name: "empty", rawURL: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.useTLS, useTLS)
		})
	}
}

func TestValidCollectionName(t *testing.T) {
	assert.True(t, ValidCollectionName("vesper_memories"))
	assert.True(t, ValidCollectionName("a"))
	assert.True(t, ValidCollectionName("A-1_b"))

	assert.False(t, ValidCollectionName(""))
	assert.False(t, ValidCollectionName("has space"))
	assert.False(t, ValidCollectionName("semi;colon"))
	assert.False(t, ValidCollectionName(string(make([]byte, 65))))
}
