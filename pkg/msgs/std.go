package msgs

// Time mirrors builtin_interfaces/msg/Time.
type Time struct {
	Sec     int32  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

// Duration mirrors builtin_interfaces/msg/Duration.
type Duration struct {
	Sec     int32  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

type Header struct {
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

type String struct {
	Data string `json:"data"`
}

type Bool struct {
	Data bool `json:"data"`
}

type Int32 struct {
	Data int32 `json:"data"`
}

type Float32 struct {
	Data float32 `json:"data"`
}

type Float64 struct {
	Data float64 `json:"data"`
}

func (*Time) TypeName() string     { return "builtin_interfaces/msg/Time" }
func (*Duration) TypeName() string { return "builtin_interfaces/msg/Duration" }
func (*Header) TypeName() string   { return "std_msgs/msg/Header" }
func (*String) TypeName() string   { return "std_msgs/msg/String" }
func (*Bool) TypeName() string     { return "std_msgs/msg/Bool" }
func (*Int32) TypeName() string    { return "std_msgs/msg/Int32" }
func (*Float32) TypeName() string  { return "std_msgs/msg/Float32" }
func (*Float64) TypeName() string  { return "std_msgs/msg/Float64" }

func registerStd(r *Registry) {
	for _, f := range []Factory{
		func() Message { return &Time{} },
		func() Message { return &Duration{} },
		func() Message { return &Header{} },
		func() Message { return &String{} },
		func() Message { return &Bool{} },
		func() Message { return &Int32{} },
		func() Message { return &Float32{} },
		func() Message { return &Float64{} },
	} {
		r.Register(f().TypeName(), f)
	}
}
