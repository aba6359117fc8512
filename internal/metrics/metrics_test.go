package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewIsShared(t *testing.T) {
	a := New()
	b := New()
	assert.Same(t, a, b)

	before := testutil.ToFloat64(a.ClaimsTotal.WithLabelValues("docs", "documentation", "claimed"))
	b.ClaimsTotal.WithLabelValues("docs", "documentation", "claimed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(a.ClaimsTotal.WithLabelValues("docs", "documentation", "claimed")))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "error", Outcome(errors.New("x")))
}
