package tenant

import "testing"

func TestTenantIDDeterministic(t *testing.T) {
	h := NewHasher([]byte("salt"))
	a := h.TenantIDFor("203.0.113.7:41000")
	b := h.TenantIDFor("203.0.113.7:55123")
	if a != b {
		t.Fatalf("same host behind different ports split into tenants: %s vs %s", a, b)
	}
	if a != h.TenantIDFor("203.0.113.7") {
		t.Fatalf("bare host and host:port disagree")
	}
}

func TestTenantIDSaltIsolation(t *testing.T) {
	a := NewHasher([]byte("one")).TenantIDFor("203.0.113.7")
	b := NewHasher([]byte("two")).TenantIDFor("203.0.113.7")
	if a == b {
		t.Fatalf("different salts produced the same tenant id")
	}
}

func TestTenantIDIPv6Normalization(t *testing.T) {
	h := NewHasher([]byte("salt"))
	long := h.TenantIDFor("2001:0db8:0000:0000:0000:0000:0000:0001")
	short := h.TenantIDFor("2001:db8::1")
	if long != short {
		t.Fatalf("textual variants of one address split into tenants")
	}
}

func TestTenantIDUnparseableInput(t *testing.T) {
	h := NewHasher([]byte("salt"))
	a := h.TenantIDFor("not-an-address")
	if a == "" {
		t.Fatalf("expected deterministic id for unparseable input")
	}
	if a != h.TenantIDFor("not-an-address") {
		t.Fatalf("unparseable input not deterministic")
	}
	if a == h.TenantIDFor("203.0.113.7") {
		t.Fatalf("marker prefix failed to separate invalid input from addresses")
	}
}
