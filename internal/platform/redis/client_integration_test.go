//go:build integration

package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"custodia/internal/platform/redis"
	"custodia/pkg/testutil/containers"
)

func TestClientHealth(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	defer func() { _ = rc.Container.Terminate(context.Background()) }()

	client, err := redis.New(rc.URL)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Health(context.Background()))
}

func TestClientDisabledWhenUnconfigured(t *testing.T) {
	client, err := redis.New("")
	require.NoError(t, err)
	require.Nil(t, client)
}
