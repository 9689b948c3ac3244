package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relaymesh/internal/protocol"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		to   protocol.PeerID
		text string
	}{
		{"hello there", protocol.PeerNone, "hello there"},
		{"@3 hi", 3, "hi"},
		{"@-2   all but two ", -2, "all but two"},
		{"@1 to the hub", protocol.PeerHub, "to the hub"},
	}
	for _, tt := range tests {
		to, text, err := parseLine(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.to, to, tt.line)
		assert.Equal(t, tt.text, text, tt.line)
	}

	for _, bad := range []string{"@3", "@x hi", "@3   ", "@99999999999 hi"} {
		_, _, err := parseLine(bad)
		assert.Error(t, err, bad)
	}
}
