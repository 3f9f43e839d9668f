package daemon

import (
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/nivaria/devmoded/internal/settings"
)

func TestValueToVariant(t *testing.T) {
	cases := []struct {
		val  settings.Value
		want any
	}{
		{true, true},
		{"blank", "blank"},
		{0.5, 0.5},
		{int64(60), int32(60)}, // ints travel as int32
		{[]int64{1, 2}, []int32{1, 2}},
		{[]string{"a"}, []string{"a"}},
		{[]bool{true}, []bool{true}},
		{[]float64{1.5}, []float64{1.5}},
	}
	for _, tc := range cases {
		variant, err := valueToVariant(tc.val)
		if err != nil {
			t.Errorf("valueToVariant(%v): %v", tc.val, err)
			continue
		}
		if !reflect.DeepEqual(variant.Value(), tc.want) {
			t.Errorf("valueToVariant(%v) = %v (%T), want %v (%T)",
				tc.val, variant.Value(), variant.Value(), tc.want, tc.want)
		}
	}

	if _, err := valueToVariant(nil); err == nil {
		t.Error("nil value encoded without error")
	}
}

func TestVariantToValue(t *testing.T) {
	cases := []struct {
		in   any
		want settings.Value
	}{
		{true, true},
		{"ask", "ask"},
		{0.25, 0.25},
		{int32(85), int64(85)},
		{uint32(85), int64(85)},
		{int16(85), int64(85)},
		{byte(85), int64(85)},
		{int64(85), int64(85)},
		{[]int32{1, 2}, []int64{1, 2}},
		{[]string{"pc_suite"}, []string{"pc_suite"}},
	}
	for _, tc := range cases {
		got, err := variantToValue(dbus.MakeVariant(tc.in))
		if err != nil {
			t.Errorf("variantToValue(%v): %v", tc.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("variantToValue(%v) = %v (%T), want %v (%T)", tc.in, got, got, tc.want, tc.want)
		}
	}

	// Structs and dictionaries are not settings material.
	if _, err := variantToValue(dbus.MakeVariant(map[string]string{"a": "b"})); err == nil {
		t.Error("dictionary variant decoded without error")
	}
}

func TestDefaultSettingsDefinable(t *testing.T) {
	store := settings.NewStore()
	if err := defineDefaults(store); err != nil {
		t.Fatal(err)
	}
	// Every default must survive the variant round trip, or
	// get_config_all would silently drop it.
	for key, val := range store.All("/") {
		variant, err := valueToVariant(val)
		if err != nil {
			t.Errorf("%s: %v", key, err)
			continue
		}
		if _, err := variantToValue(variant); err != nil {
			t.Errorf("%s: decode: %v", key, err)
		}
	}
}
