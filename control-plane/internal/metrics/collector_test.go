package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/pilot-net/alertcore/pkg/types"
)

type fakeDB struct {
	pool    types.PoolStats
	pingErr error
}

func (f *fakeDB) GetPoolStats() types.PoolStats  { return f.pool }
func (f *fakeDB) Ping(ctx context.Context) error { return f.pingErr }

type fakeBuffer struct{ stats types.BufferStats }

func (f *fakeBuffer) GetStats(ctx context.Context) types.BufferStats { return f.stats }

type fakeEngine struct{ health types.EngineHealth }

func (f *fakeEngine) EngineHealth() types.EngineHealth { return f.health }

func TestCollectorOptionalDependencies(t *testing.T) {
	c := NewCollector(nil, nil, &fakeEngine{health: types.EngineHealth{LiveAlerts: 3}})
	health, err := c.GetSystemHealth(context.Background())
	if err != nil {
		t.Fatalf("GetSystemHealth() error = %v", err)
	}
	if health.Database.Enabled || health.Database.Status != "disabled" {
		t.Errorf("database = %+v, want disabled", health.Database)
	}
	if health.Buffer.Enabled {
		t.Errorf("buffer = %+v, want disabled", health.Buffer)
	}
	if health.Engine.LiveAlerts != 3 {
		t.Errorf("engine live alerts = %d, want 3", health.Engine.LiveAlerts)
	}
}

func TestCollectorDegradedDatabase(t *testing.T) {
	db := &fakeDB{pingErr: errors.New("connection refused")}
	c := NewCollector(db, &fakeBuffer{stats: types.BufferStats{Connected: true, QueueDepth: 7}}, nil)

	health := c.collectHealth(context.Background())
	if health.Database.Status != "error" {
		t.Errorf("database status = %q, want error", health.Database.Status)
	}
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded", health.Status)
	}
	if health.Buffer.QueueDepth != 7 {
		t.Errorf("queue depth = %d, want 7", health.Buffer.QueueDepth)
	}
}

func TestCollectorPoolSaturation(t *testing.T) {
	db := &fakeDB{pool: types.PoolStats{MaxConnections: 10, AcquiredConnections: 9}}
	c := NewCollector(db, nil, nil)

	if got := c.collectDatabaseHealth(context.Background()).Status; got != "degraded" {
		t.Errorf("database status = %q, want degraded", got)
	}
}

func TestCollectorDisconnectedBuffer(t *testing.T) {
	c := NewCollector(nil, &fakeBuffer{stats: types.BufferStats{Connected: false}}, nil)
	health := c.collectHealth(context.Background())
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded", health.Status)
	}
}

func TestCollectorCachesHealth(t *testing.T) {
	engine := &fakeEngine{health: types.EngineHealth{LiveAlerts: 1}}
	c := NewCollector(nil, nil, engine)

	if _, err := c.GetSystemHealth(context.Background()); err != nil {
		t.Fatal(err)
	}
	engine.health.LiveAlerts = 2
	health, _ := c.GetSystemHealth(context.Background())
	if health.Engine.LiveAlerts != 1 {
		t.Errorf("live alerts = %d, want cached 1", health.Engine.LiveAlerts)
	}
}
