package msgs_test

import (
	"testing"

	"github.com/illmade-knight/go-robobridge/pkg/msgs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Resolve(t *testing.T) {
	r := msgs.NewRegistry()

	t.Run("well-known type resolves to its shape", func(t *testing.T) {
		msg, err := r.New("sensor_msgs/msg/PointCloud2")
		require.NoError(t, err)
		_, ok := msg.(*msgs.PointCloud2)
		assert.True(t, ok)
	})

	t.Run("short form is normalized", func(t *testing.T) {
		msg, err := r.New("std_msgs/Float64")
		require.NoError(t, err)
		assert.Equal(t, "std_msgs/msg/Float64", msg.TypeName())
		assert.True(t, r.IsWellKnown("std_msgs/Float64"))
	})

	t.Run("unknown but valid type falls back to generic", func(t *testing.T) {
		msg, err := r.New("visualization_msgs/msg/MarkerArray")
		require.NoError(t, err)
		g, ok := msg.(*msgs.Generic)
		require.True(t, ok)
		assert.Equal(t, "visualization_msgs/msg/MarkerArray", g.TypeName())
		assert.NotNil(t, g.Fields)
	})

	t.Run("malformed names are rejected", func(t *testing.T) {
		for _, name := range []string{"", "   ", "Float64", "std_msgs/msg/float64", "a/b/c/D"} {
			_, err := r.Resolve(name)
			assert.ErrorIs(t, err, msgs.ErrUnsupportedMessageType, "name %q", name)
		}
	})

	t.Run("each resolution yields a fresh value", func(t *testing.T) {
		a, err := r.New("std_msgs/msg/String")
		require.NoError(t, err)
		b, err := r.New("std_msgs/msg/String")
		require.NoError(t, err)
		a.(*msgs.String).Data = "changed"
		assert.Empty(t, b.(*msgs.String).Data)
	})
}

func TestRegistry_Known(t *testing.T) {
	known := msgs.NewRegistry().Known()
	assert.Contains(t, known, "geometry_msgs/msg/Twist")
	assert.Contains(t, known, "nav_msgs/msg/OccupancyGrid")
	assert.IsIncreasing(t, known)
}
