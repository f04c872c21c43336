package cachestatus

import "testing"

func TestHit(t *testing.T) {
	s := &Status{}
	s.Hit()
	if s.String() != "Offcache; hit" {
		t.Fatalf("Status is %q", s.String())
	}
	if !s.IsHit() {
		t.Fatal("IsHit is false")
	}
}

func TestForwardAndStored(t *testing.T) {
	s := &Status{}
	s.Forward(FwdMiss)
	s.Stored()
	if s.String() != "Offcache; fwd=miss; stored" {
		t.Fatalf("Status is %q", s.String())
	}
}

func TestHitOverridesForward(t *testing.T) {
	s := &Status{}
	s.Forward(FwdMiss)
	s.Hit()
	if s.String() != "Offcache; hit" {
		t.Fatalf("Status is %q", s.String())
	}
}

func TestDetail(t *testing.T) {
	s := &Status{}
	s.Hit()
	s.Detail("revalidating")
	if s.String() != "Offcache; hit; detail=revalidating" {
		t.Fatalf("Status is %q", s.String())
	}
}

func TestZeroValue(t *testing.T) {
	s := &Status{}
	if s.String() != "Offcache" {
		t.Fatalf("Status is %q", s.String())
	}
}
