package bitvector

import (
	"fmt"
	"testing"
)

func TestGetSet(t *testing.T) {
	tests := []struct {
		name  string
		index int
		val   bool
	}{
		{"set low bit of first word", 0, true},
		{"set bit crossing into second word", 64, true},
		{"set bit near end of a word", 127, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(200)
			if ok := v.Set(tt.index, tt.val); !ok {
				t.Fatalf("Set(%d) reported out of range", tt.index)
			}
			got, ok := v.Get(tt.index)
			if !ok {
				t.Fatalf("Get(%d) reported out of range", tt.index)
			}
			if got != tt.val {
				t.Fatalf("Get(%d) = %v, want %v", tt.index, got, tt.val)
			}
		})
	}
}

func TestGetSetOutOfRange(t *testing.T) {
	v := New(10)
	if _, ok := v.Get(10); ok {
		t.Fatal("Get(10) should be out of range for a length-10 vector")
	}
	if _, ok := v.Get(-1); ok {
		t.Fatal("Get(-1) should be out of range")
	}
	if ok := v.Set(10, true); ok {
		t.Fatal("Set(10) should be out of range for a length-10 vector")
	}
}

func TestFindFalse(t *testing.T) {
	v := New(130)
	for i := 0; i < 130; i++ {
		v.Set(i, true)
	}
	if _, ok := v.FindFalse(); ok {
		t.Fatal("expected no false bit in a fully set vector")
	}
	v.Set(65, false)
	idx, ok := v.FindFalse()
	if !ok || idx != 65 {
		t.Fatalf("FindFalse() = (%d, %v), want (65, true)", idx, ok)
	}
}

func TestBulkWriteSingleWord(t *testing.T) {
	v := New(64)
	n, ok := v.BulkWrite(4, 10, true)
	if !ok || n != 7 {
		t.Fatalf("BulkWrite(4,10,true) = (%d, %v), want (7, true)", n, ok)
	}
	for i := 4; i <= 10; i++ {
		if got, _ := v.Get(i); !got {
			t.Fatalf("bit %d should be set", i)
		}
	}
	if got, _ := v.Get(3); got {
		t.Fatal("bit 3 should not be set")
	}
	if got, _ := v.Get(11); got {
		t.Fatal("bit 11 should not be set")
	}
}

func TestBulkWriteTwoWords(t *testing.T) {
	v := New(128)
	n, ok := v.BulkWrite(60, 68, true)
	if !ok || n != 9 {
		t.Fatalf("BulkWrite(60,68,true) = (%d, %v), want (9, true)", n, ok)
	}
	for i := 60; i <= 68; i++ {
		if got, _ := v.Get(i); !got {
			t.Fatalf("bit %d should be set", i)
		}
	}
	if got, _ := v.Get(59); got {
		t.Fatal("bit 59 should not be set")
	}
	if got, _ := v.Get(69); got {
		t.Fatal("bit 69 should not be set")
	}
}

func TestBulkWriteManyWords(t *testing.T) {
	v := New(400)
	n, ok := v.BulkWrite(10, 300, true)
	if !ok || n != 291 {
		t.Fatalf("BulkWrite(10,300,true) = (%d, %v), want (291, true)", n, ok)
	}
	for _, i := range []int{9, 301} {
		if got, _ := v.Get(i); got {
			t.Fatalf("bit %d should not be set", i)
		}
	}
	for _, i := range []int{10, 150, 300} {
		if got, _ := v.Get(i); !got {
			t.Fatalf("bit %d should be set", i)
		}
	}
}

func TestBulkWriteInvalidRange(t *testing.T) {
	v := New(64)
	if _, ok := v.BulkWrite(10, 5, true); ok {
		t.Fatal("BulkWrite with lo > hi should fail")
	}
	if _, ok := v.BulkWrite(0, 64, true); ok {
		t.Fatal("BulkWrite with hi out of range should fail")
	}
}

func ExampleBitVector_BulkWrite() {
	v := New(16)
	v.BulkWrite(2, 5, true)
	bits := ""
	for i := 0; i < 8; i++ {
		got, _ := v.Get(i)
		if got {
			bits += "1"
		} else {
			bits += "0"
		}
	}
	fmt.Println(bits)
	// Output:
	// 00111100
}
