package util

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func TestHashWriter(t *testing.T) {
	const input = "hello1 hello2 hello3 hello4 hello5abcdefghijklmnopqrstuvwxyz0123456789"
	goalMD5, _ := hex.DecodeString("0101fc798d94a730b0f0bf1bd2cc1959")
	goalSHA256, _ := hex.DecodeString("fef15edd82b33633582c723562d192fec2d2003df12d4aeac89df17c279a1658")
	var w = new(bytes.Buffer)
	hw := NewHashWriter(w)
	dohashtest(t, hw, input, goalMD5, goalSHA256)
	w.Reset()
	hw2 := NewMD5Writer(w)
	dohashtest(t, hw2, input, goalMD5, nil)
}

func dohashtest(t *testing.T, hw *HashWriter, input string, goalmd5, goalsha256 []byte) {
	hw.Write([]byte(input))
	h, ok := hw.CheckMD5(goalmd5)
	if !ok {
		t.Fatalf("Got %v, expected %v\n", h, goalmd5)
	}
	h, ok = hw.CheckSHA256(goalsha256)
	if !ok {
		t.Fatalf("Got %v, expected %v\n", h, goalsha256)
	}
}

func TestSumSHA256Hex(t *testing.T) {
	hw := NewHashWriterPlain()
	hw.Write([]byte("hello1 hello2 hello3 hello4 hello5abcdefghijklmnopqrstuvwxyz0123456789"))
	s := hw.SumSHA256Hex()
	if s != "fef15edd82b33633582c723562d192fec2d2003df12d4aeac89df17c279a1658" {
		t.Errorf("Got %s", s)
	}
	if len(s) != 64 {
		t.Errorf("Got hash of length %d, expected 64", len(s))
	}
}

func TestHashFileSHA256(t *testing.T) {
	h, n, err := HashFileSHA256(strings.NewReader("0123456789"))
	if err != nil {
		t.Fatalf("Got unexpected error %s", err.Error())
	}
	if n != 10 {
		t.Errorf("Got %d bytes, expected 10", n)
	}
	if h != "84d89877f0d4041efb6bf91a16f0248f2fd573e6af05c19f96bedb9f882f7882" {
		t.Errorf("Got %s", h)
	}
}

func TestVerifyStreamHash(t *testing.T) {
	goalSHA256, _ := hex.DecodeString("84d89877f0d4041efb6bf91a16f0248f2fd573e6af05c19f96bedb9f882f7882")
	ok, err := VerifyStreamHash(strings.NewReader("0123456789"), nil, goalSHA256)
	if err != nil {
		t.Fatalf("Got unexpected error %s", err.Error())
	}
	if !ok {
		t.Errorf("Expected verification to pass")
	}
	ok, _ = VerifyStreamHash(strings.NewReader("0123456789x"), nil, goalSHA256)
	if ok {
		t.Errorf("Expected verification to fail")
	}
}
