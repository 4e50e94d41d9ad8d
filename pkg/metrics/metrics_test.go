package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCacheLookup(t *testing.T) {
	lookups := testutil.ToFloat64(CacheLookupsTotal.WithLabelValues("memo"))
	hits := testutil.ToFloat64(CacheHitsTotal.WithLabelValues("memo"))

	RecordCacheLookup("memo", true)
	RecordCacheLookup("memo", false)

	assert.Equal(t, lookups+2, testutil.ToFloat64(CacheLookupsTotal.WithLabelValues("memo")))
	assert.Equal(t, hits+1, testutil.ToFloat64(CacheHitsTotal.WithLabelValues("memo")))
}
