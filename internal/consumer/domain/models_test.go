package domain

import (
	"testing"

	"github.com/smallbiznis/allotment/pkg/dbtypes"
	"github.com/stretchr/testify/assert"
)

func TestConsumerFactDefaults(t *testing.T) {
	c := &Consumer{}
	assert.EqualValues(t, 1, c.Sockets())
	assert.EqualValues(t, 0, c.Cores())
	assert.EqualValues(t, 0, c.RAMGB())
	assert.False(t, c.IsGuest())
}

func TestConsumerFacts(t *testing.T) {
	c := &Consumer{Facts: dbtypes.StringMap{
		FactSockets:        "4",
		FactCoresPerSocket: "8",
		FactMemTotal:       "16777216",
		FactIsGuest:        "True",
	}}
	assert.EqualValues(t, 4, c.Sockets())
	assert.EqualValues(t, 32, c.Cores())
	assert.EqualValues(t, 16, c.RAMGB())
	assert.True(t, c.IsGuest())
	assert.EqualValues(t, 32, c.VCPU())
}

func TestConsumerMalformedSocketsFallsBackToOne(t *testing.T) {
	c := &Consumer{Facts: dbtypes.StringMap{FactSockets: "many"}}
	assert.EqualValues(t, 1, c.Sockets())
}
