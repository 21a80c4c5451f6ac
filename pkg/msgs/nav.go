package msgs

type MapMetaData struct {
	MapLoadTime Time    `json:"map_load_time"`
	Resolution  float32 `json:"resolution"`
	Width       uint32  `json:"width"`
	Height      uint32  `json:"height"`
	Origin      Pose    `json:"origin"`
}

// OccupancyGrid cells are -1 for unknown, otherwise 0..100.
type OccupancyGrid struct {
	Header Header      `json:"header"`
	Info   MapMetaData `json:"info"`
	Data   []int8      `json:"data"`
}

type Odometry struct {
	Header       Header              `json:"header"`
	ChildFrameID string              `json:"child_frame_id"`
	Pose         PoseWithCovariance  `json:"pose"`
	Twist        TwistWithCovariance `json:"twist"`
}

type Path struct {
	Header Header        `json:"header"`
	Poses  []PoseStamped `json:"poses"`
}

func (*MapMetaData) TypeName() string   { return "nav_msgs/msg/MapMetaData" }
func (*OccupancyGrid) TypeName() string { return "nav_msgs/msg/OccupancyGrid" }
func (*Odometry) TypeName() string      { return "nav_msgs/msg/Odometry" }
func (*Path) TypeName() string          { return "nav_msgs/msg/Path" }

func registerNav(r *Registry) {
	for _, f := range []Factory{
		func() Message { return &MapMetaData{} },
		func() Message { return &OccupancyGrid{} },
		func() Message { return &Odometry{} },
		func() Message { return &Path{} },
	} {
		r.Register(f().TypeName(), f)
	}
}
