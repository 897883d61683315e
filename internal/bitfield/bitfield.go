// Package bitfield packs and unpacks struct fields annotated with a
// `bitfield:",N"` tag into a single machine word (a simplified
// golang.org/x/text/internal/gen/bitfield).
// EepyOS uses it wherever a hardware register is naturally described as a
// handful of named sub-byte fields rather than a hand-maintained set of
// shift/mask constants — the 8250 UART's line control register (internal/uart).
package bitfield

import (
	"fmt"
	"reflect"
)

// Pack packs every bitfield-tagged field of x, in declaration order, into
// the low bits of the returned word. numBits bounds the total width; a
// packing that would overflow it is an error rather than a silent
// truncation.
func Pack(x interface{}, numBits uint) (uint64, error) {
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack expected a struct, got %v", v.Kind())
	}

	t := v.Type()
	var packed uint64
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}
		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			return 0, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		fieldValue := v.Field(i)
		var fieldBits uint64
		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = fieldValue.Uint()
		default:
			return 0, fmt.Errorf("bitfield: unsupported field type %v for field %s", fieldValue.Kind(), field.Name)
		}

		maxValue := uint64(1)<<bits - 1
		if fieldBits > maxValue {
			return 0, fmt.Errorf("bitfield: value %d exceeds %d bits for field %s", fieldBits, bits, field.Name)
		}
		packed |= fieldBits << bitOffset
		bitOffset += bits
	}

	if numBits > 0 && bitOffset > numBits {
		return 0, fmt.Errorf("bitfield: total width %d exceeds %d bits", bitOffset, numBits)
	}
	return packed, nil
}

// Unpack is Pack's inverse: it fills the bitfield-tagged fields of dst (a
// pointer to a struct) from word, in the same declaration order Pack reads
// them in.
func Unpack(dst interface{}, word uint64) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack expected a pointer to struct, got %v", v.Kind())
	}
	v = v.Elem()
	t := v.Type()
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}
		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			return fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		mask := uint64(1)<<bits - 1
		fieldBits := (word >> bitOffset) & mask
		bitOffset += bits

		fieldValue := v.Field(i)
		switch fieldValue.Kind() {
		case reflect.Bool:
			fieldValue.SetBool(fieldBits != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldValue.SetUint(fieldBits)
		default:
			return fmt.Errorf("bitfield: unsupported field type %v for field %s", fieldValue.Kind(), field.Name)
		}
	}
	return nil
}
