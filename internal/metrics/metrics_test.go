package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/v1/instances/{id}/complete", NormalizePath("/v1/instances/0b6c3a1e-7d3f-4c1b-9a57-2f1f0c2e9d11/complete"))
	assert.Equal(t, "/v1/events/{id}", NormalizePath("/v1/events/42"))
	assert.Equal(t, "/v1/agenda", NormalizePath("/v1/agenda"))
}

func TestRecordMaterialization(t *testing.T) {
	before := testutil.ToFloat64(InstancesCreated)
	RecordMaterialization("ok", 3, 0)
	assert.Equal(t, before+3, testutil.ToFloat64(InstancesCreated))
	conflicts := testutil.ToFloat64(Materializations.WithLabelValues("conflict"))
	RecordMaterialization("conflict", 0, 0)
	assert.Equal(t, conflicts+1, testutil.ToFloat64(Materializations.WithLabelValues("conflict")))
}
