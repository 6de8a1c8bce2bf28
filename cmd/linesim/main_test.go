package main

import (
	"errors"
	"net/http"
	"testing"

	"github.com/jkaninda/linesim/internal/config"
	"github.com/jkaninda/linesim/internal/gateway"
)

func TestAPIKeys(t *testing.T) {
	t.Setenv("LINESIM_API_KEYS", "s3cret:ci, other:laptop,malformed")
	cfg := &config.Config{Gateways: config.GatewaysConfig{HTTP: &config.HTTPGatewayConfig{
		APIKeys: map[string]string{"ABCDEF": "ops"},
	}}}

	keys := apiKeys(cfg)
	if len(keys) != 3 {
		t.Fatalf("keys = %v", keys)
	}
	if keys["abcdef"] != "ops" {
		t.Error("configured hashes should be lower-cased")
	}
	if keys[gateway.HashKey("s3cret")] != "ci" || keys[gateway.HashKey("other")] != "laptop" {
		t.Errorf("env keys not hashed: %v", keys)
	}
}

func TestTrackFlags(t *testing.T) {
	cfg := &config.Config{Track: config.TrackConfig{File: "old.yaml"}}
	trackFlags{builtin: "line"}.apply(cfg)
	if cfg.Track.Builtin != "line" || cfg.Track.File != "" {
		t.Errorf("builtin override: %+v", cfg.Track)
	}

	trackFlags{builtin: "line", file: "mine.yaml"}.apply(cfg)
	if cfg.Track.File != "mine.yaml" {
		t.Errorf("file override: %+v", cfg.Track)
	}

	before := cfg.Track
	trackFlags{}.apply(cfg)
	if cfg.Track != before {
		t.Error("empty flags should leave the track alone")
	}
}

func TestReferenceRobotIsValid(t *testing.T) {
	if _, err := referenceRobot("Sample").Normalize(); err != nil {
		t.Fatal(err)
	}
}

func TestResponseError(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   exitCode
	}{
		{http.StatusUnauthorized, ExitRejected},
		{http.StatusTooManyRequests, ExitRejected},
		{http.StatusUnprocessableEntity, ExitRejected},
		{http.StatusServiceUnavailable, ExitUnavailable},
	} {
		var code exitCode
		if err := responseError(tc.status, []byte(`{"error":"nope"}`)); !errors.As(err, &code) || code != tc.want {
			t.Errorf("%d: err = %v, want exit %d", tc.status, err, tc.want)
		}
	}

	err := responseError(http.StatusInternalServerError, []byte(`{"error":"boom"}`))
	var code exitCode
	if errors.As(err, &code) || err == nil || err.Error() != "server returned 500: boom" {
		t.Errorf("500: err = %v", err)
	}
}
