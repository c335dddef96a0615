package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateOverallStatus(t *testing.T) {
	c := NewChecker(nil, "", "test")

	assert.Equal(t, StatusHealthy, c.calculateOverallStatus([]Check{
		{Name: "redis", Status: StatusHealthy},
		{Name: "rpc", Status: StatusHealthy},
	}))

	assert.Equal(t, StatusDegraded, c.calculateOverallStatus([]Check{
		{Name: "redis", Status: StatusHealthy},
		{Name: "rpc", Status: StatusDegraded},
	}))

	assert.Equal(t, StatusUnhealthy, c.calculateOverallStatus([]Check{
		{Name: "redis", Status: StatusUnhealthy},
		{Name: "rpc", Status: StatusDegraded},
	}))
}

func TestCheckRedisNilClient(t *testing.T) {
	c := NewChecker(nil, "", "test")
	check := c.checkRedis(nil)
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "redis", check.Name)
}

func TestCheckRPCEmptyURL(t *testing.T) {
	c := NewChecker(nil, "", "test")
	check := c.checkRPC(nil)
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Equal(t, "rpc", check.Name)
}
