package main

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedDemo(t *testing.T) {
	// Arrange
	bus := middleware.NewMemoryBus("/robobridge")
	ctx := context.Background()

	// Act
	require.NoError(t, seedDemo(bus))

	// Assert
	nodes, err := bus.NodeNames(ctx)
	require.NoError(t, err)
	assert.Subset(t, nodes, []string{"/talker", "/listener", "/lidar", "/robobridge"})

	pubs, err := bus.PublishersInfoByTopic(ctx, "/points")
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, middleware.ReliabilityBestEffort, pubs[0].QoS.Reliability)
}

func TestSyntheticCloud(t *testing.T) {
	cloud := syntheticCloud(msgs.Time{Sec: 1}, 0)

	assert.Equal(t, uint32(simCloudPoints), cloud.Width)
	assert.Len(t, cloud.Data, simCloudPoints*int(cloud.PointStep))
	assert.Len(t, cloud.Fields, 3)

	scan := syntheticScan(msgs.Time{Sec: 1}, 0)
	assert.Len(t, scan.Ranges, simScanBeams)
}
