package msgs

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type Pose struct {
	Position    Point      `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

type PoseStamped struct {
	Header Header `json:"header"`
	Pose   Pose   `json:"pose"`
}

// PoseWithCovariance carries a row-major 6x6 covariance matrix.
type PoseWithCovariance struct {
	Pose       Pose        `json:"pose"`
	Covariance [36]float64 `json:"covariance"`
}

type PoseWithCovarianceStamped struct {
	Header Header             `json:"header"`
	Pose   PoseWithCovariance `json:"pose"`
}

type Twist struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

type TwistStamped struct {
	Header Header `json:"header"`
	Twist  Twist  `json:"twist"`
}

type TwistWithCovariance struct {
	Twist      Twist       `json:"twist"`
	Covariance [36]float64 `json:"covariance"`
}

type Transform struct {
	Translation Vector3    `json:"translation"`
	Rotation    Quaternion `json:"rotation"`
}

type TransformStamped struct {
	Header       Header    `json:"header"`
	ChildFrameID string    `json:"child_frame_id"`
	Transform    Transform `json:"transform"`
}

func (*Point) TypeName() string                     { return "geometry_msgs/msg/Point" }
func (*Vector3) TypeName() string                   { return "geometry_msgs/msg/Vector3" }
func (*Quaternion) TypeName() string                { return "geometry_msgs/msg/Quaternion" }
func (*Pose) TypeName() string                      { return "geometry_msgs/msg/Pose" }
func (*PoseStamped) TypeName() string               { return "geometry_msgs/msg/PoseStamped" }
func (*PoseWithCovariance) TypeName() string        { return "geometry_msgs/msg/PoseWithCovariance" }
func (*PoseWithCovarianceStamped) TypeName() string { return "geometry_msgs/msg/PoseWithCovarianceStamped" }
func (*Twist) TypeName() string                     { return "geometry_msgs/msg/Twist" }
func (*TwistStamped) TypeName() string              { return "geometry_msgs/msg/TwistStamped" }
func (*TwistWithCovariance) TypeName() string       { return "geometry_msgs/msg/TwistWithCovariance" }
func (*Transform) TypeName() string                 { return "geometry_msgs/msg/Transform" }
func (*TransformStamped) TypeName() string          { return "geometry_msgs/msg/TransformStamped" }

func registerGeometry(r *Registry) {
	for _, f := range []Factory{
		func() Message { return &Point{} },
		func() Message { return &Vector3{} },
		func() Message { return &Quaternion{} },
		func() Message { return &Pose{} },
		func() Message { return &PoseStamped{} },
		func() Message { return &PoseWithCovariance{} },
		func() Message { return &PoseWithCovarianceStamped{} },
		func() Message { return &Twist{} },
		func() Message { return &TwistStamped{} },
		func() Message { return &TwistWithCovariance{} },
		func() Message { return &Transform{} },
		func() Message { return &TransformStamped{} },
	} {
		r.Register(f().TypeName(), f)
	}
}
