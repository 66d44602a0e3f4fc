package queryinfo

import "testing"

func TestNew_CanonicalizesName(t *testing.T) {
	a := New("Example.COM", 1, 1, true, false, false)
	b := New("example.com.", 1, 1, true, false, false)
	if a != b {
		t.Fatalf("keys for differently-cased names should be equal: %+v vs %+v", a, b)
	}
	if a.QName != "example.com." {
		t.Fatalf("QName = %q, want canonical fully-qualified form", a.QName)
	}
}

func TestNew_DistinguishesFlags(t *testing.T) {
	base := New("example.com.", 1, 1, true, false, false)
	cd := New("example.com.", 1, 1, true, true, false)
	priming := New("example.com.", 1, 1, true, false, true)
	if base == cd || base == priming || cd == priming {
		t.Fatal("keys differing only in RD/CD/priming must not collide")
	}
}

func TestLess_TotalOrder(t *testing.T) {
	a := New("a.test.", 1, 1, false, false, false)
	b := New("b.test.", 1, 1, false, false, false)
	if !Less(a, b) || Less(b, a) {
		t.Fatal("Less must order a.test. before b.test.")
	}
	if Less(a, a) {
		t.Fatal("Less must be irreflexive")
	}
}

func TestCanonicalName_Empty(t *testing.T) {
	if got := CanonicalName(""); got != "." {
		t.Fatalf("CanonicalName(\"\") = %q, want \".\"", got)
	}
}
