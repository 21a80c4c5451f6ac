package msgs

// PointField describes one channel of a PointCloud2 point.
type PointField struct {
	Name     string `json:"name"`
	Offset   uint32 `json:"offset"`
	Datatype uint8  `json:"datatype"`
	Count    uint32 `json:"count"`
}

type PointCloud2 struct {
	Header      Header       `json:"header"`
	Height      uint32       `json:"height"`
	Width       uint32       `json:"width"`
	Fields      []PointField `json:"fields"`
	IsBigendian bool         `json:"is_bigendian"`
	PointStep   uint32       `json:"point_step"`
	RowStep     uint32       `json:"row_step"`
	Data        []byte       `json:"data"`
	IsDense     bool         `json:"is_dense"`
}

type Image struct {
	Header      Header `json:"header"`
	Height      uint32 `json:"height"`
	Width       uint32 `json:"width"`
	Encoding    string `json:"encoding"`
	IsBigendian uint8  `json:"is_bigendian"`
	Step        uint32 `json:"step"`
	Data        []byte `json:"data"`
}

type CompressedImage struct {
	Header Header `json:"header"`
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

type LaserScan struct {
	Header         Header    `json:"header"`
	AngleMin       float32   `json:"angle_min"`
	AngleMax       float32   `json:"angle_max"`
	AngleIncrement float32   `json:"angle_increment"`
	TimeIncrement  float32   `json:"time_increment"`
	ScanTime       float32   `json:"scan_time"`
	RangeMin       float32   `json:"range_min"`
	RangeMax       float32   `json:"range_max"`
	Ranges         []float32 `json:"ranges"`
	Intensities    []float32 `json:"intensities"`
}

type Imu struct {
	Header                       Header     `json:"header"`
	Orientation                  Quaternion `json:"orientation"`
	OrientationCovariance        [9]float64 `json:"orientation_covariance"`
	AngularVelocity              Vector3    `json:"angular_velocity"`
	AngularVelocityCovariance    [9]float64 `json:"angular_velocity_covariance"`
	LinearAcceleration           Vector3    `json:"linear_acceleration"`
	LinearAccelerationCovariance [9]float64 `json:"linear_acceleration_covariance"`
}

type NavSatStatus struct {
	Status  int8   `json:"status"`
	Service uint16 `json:"service"`
}

type NavSatFix struct {
	Header                 Header       `json:"header"`
	Status                 NavSatStatus `json:"status"`
	Latitude               float64      `json:"latitude"`
	Longitude              float64      `json:"longitude"`
	Altitude               float64      `json:"altitude"`
	PositionCovariance     [9]float64   `json:"position_covariance"`
	PositionCovarianceType uint8        `json:"position_covariance_type"`
}

type JointState struct {
	Header   Header    `json:"header"`
	Name     []string  `json:"name"`
	Position []float64 `json:"position"`
	Velocity []float64 `json:"velocity"`
	Effort   []float64 `json:"effort"`
}

func (*PointField) TypeName() string      { return "sensor_msgs/msg/PointField" }
func (*PointCloud2) TypeName() string     { return "sensor_msgs/msg/PointCloud2" }
func (*Image) TypeName() string           { return "sensor_msgs/msg/Image" }
func (*CompressedImage) TypeName() string { return "sensor_msgs/msg/CompressedImage" }
func (*LaserScan) TypeName() string       { return "sensor_msgs/msg/LaserScan" }
func (*Imu) TypeName() string             { return "sensor_msgs/msg/Imu" }
func (*NavSatStatus) TypeName() string    { return "sensor_msgs/msg/NavSatStatus" }
func (*NavSatFix) TypeName() string       { return "sensor_msgs/msg/NavSatFix" }
func (*JointState) TypeName() string      { return "sensor_msgs/msg/JointState" }

func registerSensor(r *Registry) {
	for _, f := range []Factory{
		func() Message { return &PointField{} },
		func() Message { return &PointCloud2{} },
		func() Message { return &Image{} },
		func() Message { return &CompressedImage{} },
		func() Message { return &LaserScan{} },
		func() Message { return &Imu{} },
		func() Message { return &NavSatStatus{} },
		func() Message { return &NavSatFix{} },
		func() Message { return &JointState{} },
	} {
		r.Register(f().TypeName(), f)
	}
}
