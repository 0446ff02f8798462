package db

import "testing"

func TestPoolStats_HealthyFlag(t *testing.T) {
	healthy := &PoolStats{TotalConns: 3, Healthy: true}
	if !healthy.Healthy {
		t.Error("expected healthy pool")
	}
	drained := &PoolStats{TotalConns: 0, Healthy: false}
	if drained.Healthy {
		t.Error("a pool with no connections is not healthy")
	}
}
