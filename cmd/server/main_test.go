package main

import (
	"context"
	"testing"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultPage() store.PageRequest {
	return store.PageRequest{}.Normalize()
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantCommand string
		wantRest    []string
	}{
		{name: "default is serve", args: nil, wantCommand: "serve"},
		{name: "explicit serve", args: []string{"serve"}, wantCommand: "serve", wantRest: []string{}},
		{name: "migrate up", args: []string{"migrate", "up"}, wantCommand: "migrate", wantRest: []string{"up"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, rest := parseCommand(tt.args)
			assert.Equal(t, tt.wantCommand, cmd)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestRunRejectsBadCommands(t *testing.T) {
	t.Setenv("TASKQUEUE_AUTH_JWT_SECRET", testSecret)
	t.Setenv("TASKQUEUE_DATABASE_DRIVER", driverMemory)
	t.Setenv("TASKQUEUE_BROKER_KIND", "memory")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown command", args: []string{"frobnicate"}, wantErr: `unknown command "frobnicate"`},
		{name: "migrate without subcommand", args: []string{"migrate"}, wantErr: "usage: migrate"},
		{name: "migrate on memory store", args: []string{"migrate", "up"}, wantErr: "require the postgres driver"},
		{name: "bad flag", args: []string{"-nope"}, wantErr: "flag provided but not defined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetupBrokerRejectsUnknownKind(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Kind = "kafka"
	_, err := setupBroker(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unknown broker kind")
}

func TestMemoryDriverHasNoDatabase(t *testing.T) {
	_, log, _ := logger.NewTestLogger(t)
	db, err := setupAppDatabase(context.Background(), testConfig(), log)
	require.NoError(t, err)
	assert.Nil(t, db)
}
