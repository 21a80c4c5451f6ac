package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/illmade-knight/go-robobridge/pkg/config"
	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

const (
	simCloudPoints = 80000
	simScanBeams   = 360
)

// simulate runs the bridge against a MemoryBus seeded with a small robot.
func simulate(ctx context.Context, cfg *config.Config) error {
	bus := middleware.NewMemoryBus(cfg.NodeName())
	if err := seedDemo(bus); err != nil {
		return fmt.Errorf("failed to seed simulation: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go runDemo(ctx, bus)

	return serve(ctx, cfg, bus)
}

func seedDemo(bus *middleware.MemoryBus) error {
	reliable := middleware.QoSProfile{
		Reliability: middleware.ReliabilityReliable,
		Durability:  middleware.DurabilityVolatile,
		History:     middleware.HistoryKeepLast,
		Depth:       10,
	}
	sensor := reliable
	sensor.Reliability = middleware.ReliabilityBestEffort
	sensor.Depth = 5

	bus.AddNode("/talker")
	bus.AddNode("/listener")
	bus.AddNode("/lidar")
	bus.AddNode("/sim/diagnostics")
	if err := bus.AddPublisher("/talker", "/chatter", "std_msgs/msg/String", reliable); err != nil {
		return err
	}
	if err := bus.AddSubscriber("/listener", "/chatter", "std_msgs/msg/String", reliable); err != nil {
		return err
	}
	if err := bus.AddPublisher("/lidar", "/points", "sensor_msgs/msg/PointCloud2", sensor); err != nil {
		return err
	}
	if err := bus.AddPublisher("/lidar", "/scan", "sensor_msgs/msg/LaserScan", sensor); err != nil {
		return err
	}
	bus.AddService("/talker", "/talker/get_parameters", "rcl_interfaces/srv/GetParameters")
	bus.SetParameters("/talker", "use_sim_time", "publish_rate")
	bus.SetParameters("/lidar", "use_sim_time", "frame_id")
	return nil
}

// runDemo injects synthetic traffic until ctx is cancelled.
func runDemo(ctx context.Context, bus *middleware.MemoryBus) {
	chatter := time.NewTicker(100 * time.Millisecond)
	defer chatter.Stop()
	sensors := time.NewTicker(500 * time.Millisecond)
	defer sensors.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-chatter.C:
			n++
			if err := bus.Inject("/chatter", &msgs.String{Data: fmt.Sprintf("hello world %d", n)}); err != nil {
				log.Debug().Err(err).Msg("Simulation stopped injecting.")
				return
			}
		case now := <-sensors.C:
			stamp := msgs.Time{Sec: int32(now.Unix()), Nanosec: uint32(now.Nanosecond())}
			_ = bus.Inject("/points", syntheticCloud(stamp, float64(n)/10))
			_ = bus.Inject("/scan", syntheticScan(stamp, float64(n)/10))
		}
	}
}

// syntheticCloud builds an xyz float32 cloud shaped like a rotating ring.
func syntheticCloud(stamp msgs.Time, phase float64) *msgs.PointCloud2 {
	const pointStep = 12
	data := make([]byte, simCloudPoints*pointStep)
	for i := 0; i < simCloudPoints; i++ {
		angle := 2*math.Pi*float64(i)/simCloudPoints + phase
		radius := 5 + math.Sin(float64(i)/500)
		off := i * pointStep
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(float32(radius*math.Cos(angle))))
		binary.LittleEndian.PutUint32(data[off+4:], math.Float32bits(float32(radius*math.Sin(angle))))
		binary.LittleEndian.PutUint32(data[off+8:], math.Float32bits(float32(math.Sin(angle*4))))
	}
	return &msgs.PointCloud2{
		Header: msgs.Header{Stamp: stamp, FrameID: "lidar"},
		Height: 1,
		Width:  simCloudPoints,
		Fields: []msgs.PointField{
			{Name: "x", Offset: 0, Datatype: 7, Count: 1},
			{Name: "y", Offset: 4, Datatype: 7, Count: 1},
			{Name: "z", Offset: 8, Datatype: 7, Count: 1},
		},
		PointStep: pointStep,
		RowStep:   simCloudPoints * pointStep,
		Data:      data,
		IsDense:   true,
	}
}

func syntheticScan(stamp msgs.Time, phase float64) *msgs.LaserScan {
	ranges := make([]float32, simScanBeams)
	for i := range ranges {
		ranges[i] = float32(4 + math.Sin(float64(i)*math.Pi/45+phase))
	}
	return &msgs.LaserScan{
		Header:         msgs.Header{Stamp: stamp, FrameID: "lidar"},
		AngleMin:       -math.Pi,
		AngleMax:       math.Pi,
		AngleIncrement: 2 * math.Pi / simScanBeams,
		ScanTime:       0.5,
		RangeMin:       0.1,
		RangeMax:       30,
		Ranges:         ranges,
		Intensities:    []float32{},
	}
}
