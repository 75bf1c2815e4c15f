package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tripscope/errors"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "defaults", config: DefaultConfig()},
		{name: "empty fills defaults", config: Config{}},
		{name: "relative path", config: Config{IngestPath: "ws/signals"}, wantErr: true},
		{name: "same paths", config: Config{IngestPath: "/ws", FeedPath: "/ws"}, wantErr: true},
		{name: "negative rate", config: Config{IngestRate: -1}, wantErr: true},
		{name: "negative frame size", config: Config{MaxFrameSize: -1}, wantErr: true},
		{name: "frame size too large", config: Config{MaxFrameSize: 17 * 1024 * 1024}, wantErr: true},
		{name: "cors without origins", config: Config{EnableCORS: true}, wantErr: true},
		{name: "cors with origins", config: Config{EnableCORS: true, CORSOrigins: []string{"https://dash.example.com"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, tt.config.IngestPath)
			assert.NotEmpty(t, tt.config.FeedPath)
			assert.Positive(t, tt.config.MaxFrameSize)
			assert.Positive(t, tt.config.IngestBurst)
			assert.Positive(t, tt.config.FeedBuffer)
		})
	}
}

func TestConfig_CheckOrigin(t *testing.T) {
	cfg := Config{EnableCORS: true, CORSOrigins: []string{"https://dash.example.com"}}

	req := httptest.NewRequest("GET", "/ws/feed", nil)
	assert.True(t, cfg.CheckOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://dash.example.com")
	assert.True(t, cfg.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, cfg.CheckOrigin(req))

	cfg.CORSOrigins = []string{"*"}
	assert.True(t, cfg.CheckOrigin(req))

	open := DefaultConfig()
	assert.True(t, open.CheckOrigin(req))
}
