package codec

import (
	"encoding/base64"
	"errors"
	"reflect"

	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

// encodePointCloud forwards at most PointCloudMaxPoints points. Larger clouds
// are decimated with a fixed stride and flattened to a single row.
func (c *Codec) encodePointCloud(m *msgs.PointCloud2) (map[string]any, error) {
	header, err := c.encodeStruct(reflect.ValueOf(m.Header))
	if err != nil {
		return nil, err
	}
	fields := make([]any, 0, len(m.Fields))
	for _, f := range m.Fields {
		fields = append(fields, map[string]any{
			"name":     f.Name,
			"offset":   uint64(f.Offset),
			"datatype": uint64(f.Datatype),
			"count":    uint64(f.Count),
		})
	}
	out := map[string]any{
		"header":       header,
		"height":       uint64(m.Height),
		"width":        uint64(m.Width),
		"fields":       fields,
		"is_bigendian": m.IsBigendian,
		"point_step":   uint64(m.PointStep),
		"row_step":     uint64(m.RowStep),
		"is_dense":     m.IsDense,
	}

	if len(m.Data) == 0 {
		out["data"] = []int{}
		out["data_encoding"] = "array"
		out["sampled"] = false
		return out, nil
	}

	total := int(m.Width) * int(m.Height)
	maxPoints := c.opts.PointCloudMaxPoints
	if total > maxPoints {
		if m.PointStep == 0 {
			return nil, errors.New("point cloud has zero point_step")
		}
		sampled, step := samplePoints(m.Data, int(m.PointStep), total, maxPoints)
		out["data"] = base64.StdEncoding.EncodeToString(sampled)
		out["data_encoding"] = "base64"
		out["width"] = uint64(len(sampled) / int(m.PointStep))
		out["height"] = uint64(1)
		out["row_step"] = uint64(len(sampled))
		out["sampled"] = true
		out["original_points"] = total
		out["sample_step"] = step
		return out, nil
	}

	if len(m.Data) > c.opts.PointCloudInlineLimit {
		out["data"] = base64.StdEncoding.EncodeToString(m.Data)
		out["data_encoding"] = "base64"
	} else {
		out["data"] = bytesToInts(m.Data)
		out["data_encoding"] = "array"
	}
	out["sampled"] = false
	return out, nil
}

// samplePoints keeps points 0, s, 2s, ... where s = max(1, total/maxPoints).
// Points whose byte range runs past the end of data are not emitted.
func samplePoints(data []byte, pointStep, total, maxPoints int) ([]byte, int) {
	step := total / maxPoints
	if step < 1 {
		step = 1
	}
	sampled := make([]byte, 0, ((total+step-1)/step)*pointStep)
	for i := 0; i < total; i += step {
		start := i * pointStep
		end := start + pointStep
		if end > len(data) {
			break
		}
		sampled = append(sampled, data[start:end]...)
	}
	return sampled, step
}
