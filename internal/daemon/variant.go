package daemon

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/nivaria/devmoded/internal/settings"
)

// The wire format follows embedded convention: integers travel as
// int32 ("i"), matching what settings tooling on these platforms
// expects, while the store keeps int64 internally.

// valueToVariant encodes a setting value for the bus.
func valueToVariant(val settings.Value) (dbus.Variant, error) {
	switch x := val.(type) {
	case bool, string, float64:
		return dbus.MakeVariant(x), nil
	case int64:
		return dbus.MakeVariant(int32(x)), nil
	case []bool, []string, []float64:
		return dbus.MakeVariant(x), nil
	case []int64:
		out := make([]int32, len(x))
		for i, n := range x {
			out[i] = int32(n)
		}
		return dbus.MakeVariant(out), nil
	default:
		return dbus.Variant{}, fmt.Errorf("unsupported setting type %T", val)
	}
}

// variantToValue decodes a client-supplied variant into a setting
// value. Numeric types wider or narrower than the wire convention are
// accepted and widened.
func variantToValue(variant dbus.Variant) (settings.Value, error) {
	switch x := variant.Value().(type) {
	case bool, string, float64:
		return x, nil
	case byte:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint64:
		return int64(x), nil
	case []bool, []string, []float64, []int64:
		return x, nil
	case []int32:
		out := make([]int64, len(x))
		for i, n := range x {
			out[i] = int64(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported variant type %T", variant.Value())
	}
}
