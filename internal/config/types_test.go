package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30s", want: 30 * time.Second},
		{in: "1m30s", want: 90 * time.Second},
		{in: "30", want: 30 * time.Second},
		{in: "0.5", want: 500 * time.Millisecond},
		{in: "", want: 0},
		{in: "-5s", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}

func TestDuration_OrDefault(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration(0).OrDefault(5*time.Second))
	assert.Equal(t, time.Second, Duration(time.Second).OrDefault(5*time.Second))
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-live")

	js, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key": "[REDACTED]"}`, string(js))

	ys, err := yaml.Marshal(struct {
		Key Secret `yaml:"key"`
	}{s})
	require.NoError(t, err)
	assert.NotContains(t, string(ys), "sk-live")
}

func TestSecret_Empty(t *testing.T) {
	var s Secret
	assert.False(t, s.IsSet())
	assert.Equal(t, "", s.String())

	require.NoError(t, s.UnmarshalText([]byte("token")))
	assert.Equal(t, "token", s.Value())
}
