package safetensors

import (
	"encoding/binary"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	a := FromFloat32("b.weight", []int{2, 2}, []float32{1, -2, 3.5, 0})
	u := Tensor{Name: "a.codes", DType: U8, Shape: []int{3}, Data: []byte{7, 8, 9}}
	if err := WriteFile(path, []Tensor{a, u}, map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata: %v", f.Metadata)
	}
	if names := f.Names(); len(names) != 2 || names[0] != "a.codes" || names[1] != "b.weight" {
		t.Fatalf("names: %v", names)
	}
	got, _ := f.Get("b.weight")
	vals, err := got.Float32s()
	if err != nil {
		t.Fatalf("float32s: %v", err)
	}
	if vals[0] != 1 || vals[1] != -2 || vals[2] != 3.5 || vals[3] != 0 {
		t.Fatalf("values: %v", vals)
	}
	codes, _ := f.Get("a.codes")
	if string(codes.Data) != string([]byte{7, 8, 9}) {
		t.Fatalf("codes: %v", codes.Data)
	}
}

func TestHeaderPaddedToEightBytes(t *testing.T) {
	b, err := Encode([]Tensor{FromFloat32("x", []int{1}, []float32{1})}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	n := binary.LittleEndian.Uint64(b[:8])
	if n%8 != 0 {
		t.Fatalf("header length %d not aligned", n)
	}
	if len(b) != 8+int(n)+4 {
		t.Fatalf("total length %d", len(b))
	}
}

func TestHalfPrecisionDecode(t *testing.T) {
	// 1.0 in fp16 is 0x3c00, -2.0 is 0xc000; 1.0 in bf16 is 0x3f80.
	f16 := Tensor{Name: "h", DType: F16, Shape: []int{2}, Data: []byte{0x00, 0x3c, 0x00, 0xc0}}
	vals, err := f16.Float32s()
	if err != nil || vals[0] != 1 || vals[1] != -2 {
		t.Fatalf("f16: %v %v", vals, err)
	}
	bf := Tensor{Name: "b", DType: BF16, Shape: []int{1}, Data: []byte{0x80, 0x3f}}
	vals, err = bf.Float32s()
	if err != nil || vals[0] != 1 {
		t.Fatalf("bf16: %v %v", vals, err)
	}
}

func TestEncodeRejectsBadTensors(t *testing.T) {
	bad := Tensor{Name: "x", DType: F32, Shape: []int{2}, Data: []byte{1, 2, 3, 4}}
	if _, err := Encode([]Tensor{bad}, nil); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	x := FromFloat32("x", []int{1}, []float32{1})
	if _, err := Encode([]Tensor{x, x}, nil); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestDecodeRejectsCorruptInput(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); err == nil {
		t.Fatalf("expected short file error")
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, 1000)
	if _, err := Decode(b); err == nil {
		t.Fatalf("expected header length error")
	}
	good, _ := Encode([]Tensor{FromFloat32("x", []int{2}, []float32{1, 2})}, nil)
	if _, err := Decode(good[:len(good)-1]); err == nil {
		t.Fatalf("expected offsets error on truncated body")
	}
}
