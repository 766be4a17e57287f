package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/durable/internal/config"
	"github.com/pitabwire/durable/internal/demo"
	"github.com/pitabwire/durable/model"
	"github.com/pitabwire/durable/workflow"
)

func TestJSONArg(t *testing.T) {
	raw, err := jsonArg([]string{"demo.double"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	raw, err = jsonArg([]string{"demo.double", `{"x": 2}`}, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x": 2}`, string(raw))

	_, err = jsonArg([]string{"demo.double", "{"}, 1)
	assert.Error(t, err)
}

func TestOpenDriver(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name string
		cfg  func(*config.Config)
	}{
		{"memory", func(c *config.Config) {}},
		{"sqlite", func(c *config.Config) {
			c.Driver.Kind = config.DriverSQLite
			c.Driver.SQLite = filepath.Join(t.TempDir(), "durable.db")
		}},
		{"redis", func(c *config.Config) {
			c.Driver.Kind = config.DriverRedis
			c.Driver.Redis.Addr = mr.Addr()
		}},
		{"sqlite with redis bus", func(c *config.Config) {
			c.Driver.Kind = config.DriverSQLite
			c.Driver.SQLite = filepath.Join(t.TempDir(), "durable.db")
			c.Bus.Kind = config.BusRedis
			c.Driver.Redis.Addr = mr.Addr()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.cfg(cfg)
			require.NoError(t, cfg.Validate())

			ctx := context.Background()
			drv, closeDriver, err := openDriver(ctx, cfg, zap.NewNop())
			require.NoError(t, err)
			defer closeDriver()

			require.NoError(t, drv.HealthCheck(ctx))

			c := workflow.NewClient(drv)
			stop, err := startInlineWorker(ctx, c)
			require.NoError(t, err)
			defer stop()

			id, err := workflow.Dispatch(ctx, c, demo.Double, 21)
			require.NoError(t, err)
			rec, err := waitSettled(ctx, c, id, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, model.WorkflowStateComplete, rec.State())
			assert.JSONEq(t, "42", string(rec.Output))
		})
	}
}

func TestOpenDriver_unknownKind(t *testing.T) {
	cfg := config.Defaults()
	cfg.Driver.Kind = "etcd"
	_, _, err := openDriver(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestWakeSummary(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sub := uuid.MustParse("6f1c2d3e-0000-4000-8000-000000000001")

	tests := []struct {
		name string
		rec  model.WorkflowRecord
		want string
	}{
		{"no wake", model.WorkflowRecord{}, ""},
		{"immediate", model.WorkflowRecord{HasWakeCondition: true, Wake: model.ImmediateWake()}, "immediate"},
		{"signal and deadline", model.WorkflowRecord{
			HasWakeCondition: true,
			Wake:             model.WakeCondition{Deadline: deadline, Signals: []string{"a", "b"}},
		}, "deadline 2026-03-01T09:00:00Z; signal a,b"},
		{"sub-workflow", model.WorkflowRecord{
			HasWakeCondition: true,
			Wake:             model.SubWorkflowWake(sub),
		}, "sub-workflow " + sub.String()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wakeSummary(&tt.rec))
		})
	}
}

func TestEventDetail(t *testing.T) {
	ok := model.Event{Type: model.EventActivity, Output: []byte(`{ "n" : 1 }`)}
	assert.Equal(t, `output {"n":1}`, eventDetail(&ok))

	failed := model.Event{Type: model.EventActivity, Errors: []model.EventError{{Error: "first"}, {Error: "boom"}}}
	assert.Equal(t, "2 failed attempts, last: boom", eventDetail(&failed))

	loop := model.Event{Type: model.EventLoop, Iteration: 3, State: []byte("7")}
	assert.Equal(t, "iteration 3 state 7", eventDetail(&loop))

	removed := model.Event{Type: model.EventRemoved, RemovedType: model.EventSleep, RemovedName: "nap"}
	assert.Equal(t, "removed sleep nap", eventDetail(&removed))
}
