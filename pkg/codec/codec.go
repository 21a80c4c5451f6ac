// Package codec converts bus messages into JSON-safe maps for browser clients
// and assigns client JSON back onto typed messages.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

// Options bounds the size of encoded payloads.
type Options struct {
	// BinaryInlineLimit is the byte length above which generic byte fields are base64 encoded.
	BinaryInlineLimit int
	// PointCloudMaxPoints caps the number of points forwarded per cloud.
	PointCloudMaxPoints int
	// PointCloudInlineLimit is the byte length above which unsampled cloud data is base64 encoded.
	PointCloudInlineLimit int
	// ImageMaxPixels caps width*height of forwarded raw images.
	ImageMaxPixels int
	// ResampleImages fills scaled images with nearest-neighbour pixels instead of an empty payload.
	ResampleImages bool
}

// DefaultOptions returns the standard payload bounds.
func DefaultOptions() Options {
	return Options{
		BinaryInlineLimit:     1000,
		PointCloudMaxPoints:   50000,
		PointCloudInlineLimit: 10000,
		ImageMaxPixels:        640 * 480,
		ResampleImages:        true,
	}
}

// Codec is stateless apart from its options and is safe for concurrent use.
type Codec struct {
	opts     Options
	registry *msgs.Registry
}

// New creates a Codec. Zero-valued limits fall back to the defaults.
func New(registry *msgs.Registry, opts Options) *Codec {
	def := DefaultOptions()
	if opts.BinaryInlineLimit <= 0 {
		opts.BinaryInlineLimit = def.BinaryInlineLimit
	}
	if opts.PointCloudMaxPoints <= 0 {
		opts.PointCloudMaxPoints = def.PointCloudMaxPoints
	}
	if opts.PointCloudInlineLimit <= 0 {
		opts.PointCloudInlineLimit = def.PointCloudInlineLimit
	}
	if opts.ImageMaxPixels <= 0 {
		opts.ImageMaxPixels = def.ImageMaxPixels
	}
	if registry == nil {
		registry = msgs.NewRegistry()
	}
	return &Codec{opts: opts, registry: registry}
}

// Registry returns the type registry used for decoding.
func (c *Codec) Registry() *msgs.Registry {
	return c.registry
}

// IsFailure reports whether an encoded map is a conversion failure marker.
func IsFailure(encoded map[string]any) bool {
	_, hasErr := encoded["error"]
	_, hasType := encoded["message_type"]
	return hasErr && hasType && len(encoded) == 2
}

// Encode converts msg into a structure that always marshals to JSON. A
// conversion failure yields {"error": ..., "message_type": ...} instead.
func (c *Codec) Encode(msg msgs.Message) (out map[string]any) {
	typeName := "unknown"
	if msg != nil {
		typeName = msg.TypeName()
	}
	defer func() {
		if r := recover(); r != nil {
			out = failure(typeName, fmt.Errorf("%v", r))
		}
	}()

	var err error
	switch m := msg.(type) {
	case nil:
		err = errors.New("nil message")
	case *msgs.PointCloud2:
		out, err = c.encodePointCloud(m)
	case *msgs.Image:
		out, err = c.encodeImage(m)
	case *msgs.Generic:
		out, err = c.encodeMap(reflect.ValueOf(m.Fields))
	default:
		out, err = c.encodeStruct(reflect.ValueOf(msg))
	}
	if err != nil {
		return failure(typeName, err)
	}
	return out
}

func failure(typeName string, err error) map[string]any {
	return map[string]any{
		"error":        err.Error(),
		"message_type": typeName,
	}
}

var (
	timeType     = reflect.TypeOf(msgs.Time{})
	durationType = reflect.TypeOf(msgs.Duration{})
)

func (c *Codec) encodeStruct(v reflect.Value) (map[string]any, error) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, errors.New("nil value")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot encode %s as an object", v.Kind())
	}
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := fieldName(field)
		if name == "-" {
			continue
		}
		fv := v.Field(i)
		if isByteSequence(fv) {
			c.putBytes(out, name, byteSlice(fv), c.opts.BinaryInlineLimit)
			continue
		}
		val, err := c.value(fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = val
	}
	return out, nil
}

func (c *Codec) encodeMap(v reflect.Value) (map[string]any, error) {
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		name := fmt.Sprint(iter.Key().Interface())
		fv := iter.Value()
		for fv.Kind() == reflect.Interface && !fv.IsNil() {
			fv = fv.Elem()
		}
		if isByteSequence(fv) {
			c.putBytes(out, name, byteSlice(fv), c.opts.BinaryInlineLimit)
			continue
		}
		val, err := c.value(fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = val
	}
	return out, nil
}

// value applies the generic conversion rules to a single field value.
func (c *Codec) value(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if v.Type() == timeType || v.Type() == durationType {
		return map[string]any{
			"sec":     v.Field(0).Int(),
			"nanosec": int64(v.Field(1).Uint()),
		}, nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return c.value(v.Elem())
	case reflect.Struct:
		return c.encodeStruct(v)
	case reflect.Map:
		if v.IsNil() {
			return map[string]any{}, nil
		}
		return c.encodeMap(v)
	case reflect.Slice, reflect.Array:
		return c.sequence(v)
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return finite(v.Float()), nil
	default:
		return fmt.Sprint(v.Interface()), nil
	}
}

// sequence converts arrays. Homogeneous numeric sequences stay numeric: any
// floating point element turns the whole sequence into float64, otherwise
// integers are kept.
func (c *Codec) sequence(v reflect.Value) (any, error) {
	n := v.Len()
	if v.Kind() == reflect.Slice && v.IsNil() {
		return []any{}, nil
	}
	if isByteSequence(v) {
		return bytesToInts(byteSlice(v)), nil
	}
	switch v.Type().Elem().Kind() {
	case reflect.Float32, reflect.Float64:
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = finite(v.Index(i).Float())
		}
		return out, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out := make([]int64, n)
		for i := 0; i < n; i++ {
			out[i] = v.Index(i).Int()
		}
		return out, nil
	case reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		out := make([]uint64, n)
		for i := 0; i < n; i++ {
			out[i] = v.Index(i).Uint()
		}
		return out, nil
	case reflect.String:
		out := make([]string, n)
		for i := 0; i < n; i++ {
			out[i] = v.Index(i).String()
		}
		return out, nil
	}

	out := make([]any, n)
	for i := 0; i < n; i++ {
		val, err := c.value(v.Index(i))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = val
	}
	return normalizeNumbers(out), nil
}

// normalizeNumbers promotes a mixed int/float list to float64.
func normalizeNumbers(items []any) []any {
	hasFloat := false
	for _, item := range items {
		switch item.(type) {
		case float64, float32:
			hasFloat = true
		case int, int64, int32, uint64, uint32, nil:
		default:
			return items
		}
	}
	if !hasFloat {
		return items
	}
	out := make([]any, len(items))
	for i, item := range items {
		if f, ok := toFloat(item); ok {
			out[i] = finite(f)
		} else {
			out[i] = item
		}
	}
	return out
}

func (c *Codec) putBytes(out map[string]any, name string, data []byte, inlineLimit int) {
	if len(data) > inlineLimit {
		out[name] = base64.StdEncoding.EncodeToString(data)
		out[name+"_encoding"] = "base64"
		return
	}
	out[name] = bytesToInts(data)
}

func bytesToInts(data []byte) []int {
	out := make([]int, len(data))
	for i, b := range data {
		out[i] = int(b)
	}
	return out
}

func isByteSequence(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}
	k := v.Kind()
	return (k == reflect.Slice || k == reflect.Array) && v.Type().Elem().Kind() == reflect.Uint8
}

func byteSlice(v reflect.Value) []byte {
	if v.Kind() == reflect.Slice {
		return v.Bytes()
	}
	out := make([]byte, v.Len())
	reflect.Copy(reflect.ValueOf(out), v)
	return out
}

// finite maps NaN and infinities to nil since JSON cannot carry them.
func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return strings.ToLower(f.Name)
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return strings.ToLower(f.Name)
	}
	return name
}
