package main

import (
	"testing"

	"github.com/kuitang/notesync/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestRedactSecrets(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = nil
	assert.Equal(t, "boom", redactSecrets("boom"))

	cfg = &config.Config{GitHubToken: "ghp_0123456789abcdef", AWSSecretAccessKey: "short"}
	got := redactSecrets("request with ghp_0123456789abcdef failed: short")
	assert.Equal(t, "request with [REDACTED] failed: short", got)
}
