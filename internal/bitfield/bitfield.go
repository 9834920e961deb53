// Package bitfield packs and unpacks struct fields into a single integer.
// This is a simplified version based on golang.org/x/text/internal/gen/bitfield,
// extended with an Unpack counterpart so callers can round-trip flag words
// (PTE attribute bits, thread-state flags, directory-entry flags) without
// hand-writing shift/mask pairs at every call site.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines settings for packing and generation.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	NumBits uint
}

type fieldSpec struct {
	index int
	bits  uint
}

// layout walks the bitfield-tagged fields of t in declaration order and
// returns each field's bit width together with its running bit offset.
func layout(t reflect.Type) ([]fieldSpec, error) {
	specs := make([]fieldSpec, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("bitfield")
		if tag == "" {
			continue
		}
		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			var methodName string
			if _, err := fmt.Sscanf(tag, "%s,%d", &methodName, &bits); err != nil {
				return nil, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, t.Field(i).Name)
			}
		}
		if bits == 0 {
			continue
		}
		specs = append(specs, fieldSpec{index: i, bits: bits})
	}
	return specs, nil
}

// Pack packs annotated bit ranges of struct x into an integer.
// Only fields that have a "bitfield" tag are compacted.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("Pack: expected struct, got %v", v.Kind())
	}

	specs, err := layout(v.Type())
	if err != nil {
		return 0, err
	}

	var bitOffset uint
	for _, spec := range specs {
		field := v.Field(spec.index)
		var fieldBits uint64

		switch field.Kind() {
		case reflect.Bool:
			if field.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = field.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			val := field.Int()
			if val < 0 {
				return 0, fmt.Errorf("Pack: negative value %d for field %s", val, v.Type().Field(spec.index).Name)
			}
			fieldBits = uint64(val)
		default:
			return 0, fmt.Errorf("Pack: unsupported field type %v for field %s", field.Kind(), v.Type().Field(spec.index).Name)
		}

		maxValue := uint64(1)<<spec.bits - 1
		if fieldBits > maxValue {
			return 0, fmt.Errorf("Pack: value %d exceeds %d bits for field %s", fieldBits, spec.bits, v.Type().Field(spec.index).Name)
		}

		packed |= fieldBits << bitOffset
		bitOffset += spec.bits
	}

	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("Pack: total bits %d exceeds NumBits %d", bitOffset, c.NumBits)
	}
	return packed, nil
}

// Unpack is the inverse of Pack: it walks the same bitfield-tagged fields,
// in the same declaration order, and writes each one back from packed.
// dst must be a pointer to the struct type that was passed to Pack.
func Unpack(packed uint64, dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("Unpack: dst must be a non-nil pointer, got %v", v.Kind())
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("Unpack: expected struct, got %v", v.Kind())
	}

	specs, err := layout(v.Type())
	if err != nil {
		return err
	}

	var bitOffset uint
	for _, spec := range specs {
		mask := uint64(1)<<spec.bits - 1
		raw := (packed >> bitOffset) & mask
		field := v.Field(spec.index)

		switch field.Kind() {
		case reflect.Bool:
			field.SetBool(raw != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			field.SetUint(raw)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			field.SetInt(int64(raw))
		default:
			return fmt.Errorf("Unpack: unsupported field type %v for field %s", field.Kind(), v.Type().Field(spec.index).Name)
		}
		bitOffset += spec.bits
	}
	return nil
}
