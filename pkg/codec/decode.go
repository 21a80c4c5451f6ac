package codec

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

// CovarianceLen is the length every generic covariance field is coerced to.
const CovarianceLen = 36

// Decode builds a message of typeName from client JSON. Unknown keys are
// ignored. Values that cannot be coerced onto their field fail the decode.
func (c *Codec) Decode(typeName string, data map[string]any) (msgs.Message, error) {
	msg, err := c.registry.New(typeName)
	if err != nil {
		return nil, err
	}
	if g, ok := msg.(*msgs.Generic); ok {
		for k, v := range data {
			g.Fields[k] = coerceGeneric(k, v)
		}
		return g, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           msg,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			base64BytesHook,
			fixedArrayHook,
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder for %s: %w", typeName, err)
	}
	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", typeName, err)
	}
	return msg, nil
}

// base64BytesHook accepts base64 text for byte fields, as produced by Encode.
func base64BytesHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.Uint8 {
		return data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(data.(string))
	if err != nil {
		return []byte(data.(string)), nil
	}
	return decoded, nil
}

// fixedArrayHook pads or truncates lists destined for fixed size arrays, such
// as the 36 entry covariance matrices.
func fixedArrayHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Array || (from.Kind() != reflect.Slice && from.Kind() != reflect.Array) {
		return data, nil
	}
	src := reflect.ValueOf(data)
	out := make([]any, to.Len())
	for i := range out {
		if i < src.Len() {
			out[i] = src.Index(i).Interface()
		} else {
			out[i] = reflect.Zero(to.Elem()).Interface()
		}
	}
	return out, nil
}

// coerceGeneric applies best-effort coercion to fields of messages without a
// dedicated shape.
func coerceGeneric(name string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = coerceGeneric(k, inner)
		}
		return out
	case []any:
		if strings.Contains(name, "covariance") {
			return coerceCovariance(val)
		}
		floats := make([]any, len(val))
		for i, item := range val {
			f, ok := toFloat(item)
			if !ok {
				return coerceList(val)
			}
			floats[i] = f
		}
		return floats
	}
	return v
}

func coerceList(items []any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = coerceGeneric("", item)
	}
	return out
}

func coerceCovariance(items []any) []float64 {
	out := make([]float64, CovarianceLen)
	for i := 0; i < CovarianceLen && i < len(items); i++ {
		if f, ok := toFloat(items[i]); ok {
			out[i] = f
		}
	}
	return out
}
