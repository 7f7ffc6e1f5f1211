package internal

import (
	"net/netip"
	"testing"
)

func testConfig4(t *testing.T) *Config {
	t.Helper()
	c := NewConfig()
	c.PublicPort = 5000
	c.PrivatePort = 9999
	c.Port = 34500
	c.PrivateAddr4 = "10.0.0.1"
	c.PublicAddr4 = "192.0.2.1"
	c.BufLength = 8192
	c.FdLim = 8
	c.LockedPeers = false
	return c
}

func TestLoadDirectorySingleStack(t *testing.T) {
	path := writeTemp(t, "dest.txt", `34501 203.0.113.7 10.0.0.2
34502 203.0.113.8 10.0.0.3
`)
	d, err := LoadDirectory(path, testConfig4(t))
	if err != nil {
		t.Fatal(err)
	}
	if d.Len() != 2 {
		t.Fatalf("want 2 peers, got %d", d.Len())
	}

	rec, ok := d.LookupPriv(netip.MustParseAddr("10.0.0.2"), FamilyV4)
	if !ok {
		t.Fatal("lookup 10.0.0.2 failed")
	}
	if rec.SPort != 34501 {
		t.Fatalf("sport: %d", rec.SPort)
	}
	if want := netip.MustParseAddrPort("203.0.113.7:5000"); rec.Pub4 != want {
		t.Fatalf("public: %s want %s", rec.Pub4, want)
	}

	// Static sport entries point at the public address on the unique port.
	ap, ok := d.Sport().Lookup(34502, FamilyV4)
	if !ok || ap != netip.MustParseAddrPort("203.0.113.8:34502") {
		t.Fatalf("sport entry: %v %s", ok, ap)
	}
}

func TestLoadDirectoryDualStack(t *testing.T) {
	cfg := testConfig4(t)
	cfg.DualStack = true
	cfg.PrivateAddr6 = "fd00::1"
	cfg.PublicAddr6 = "2001:db8::1"

	path := writeTemp(t, "dest.txt",
		"34501 203.0.113.7 10.0.0.2 2001:db8::7 fd00::7\n")
	d, err := LoadDirectory(path, cfg)
	if err != nil {
		t.Fatal(err)
	}

	rec, ok := d.LookupPriv(netip.MustParseAddr("fd00::7"), FamilyV6)
	if !ok {
		t.Fatal("v6 lookup failed")
	}
	if rec.Priv4 != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("v4 side: %s", rec.Priv4)
	}
	if want := netip.MustParseAddrPort("[2001:db8::7]:5000"); rec.Pub6 != want {
		t.Fatalf("public6: %s", rec.Pub6)
	}
}

func TestLoadDirectoryRejects(t *testing.T) {
	cases := []struct {
		name string
		rows string
	}{
		{"non-digit row", "peer1 203.0.113.7 10.0.0.2\n"},
		{"short row", "34501 203.0.113.7\n"},
		{"four columns", "34501 203.0.113.7 10.0.0.2 2001:db8::7\n"},
		{"bad address", "34501 nothost 10.0.0.2\n"},
		{"duplicate port", "34501 203.0.113.7 10.0.0.2\n34501 203.0.113.8 10.0.0.3\n"},
		{"duplicate private", "34501 203.0.113.7 10.0.0.2\n34502 203.0.113.8 10.0.0.2\n"},
		{"mixed family pair", "34501 203.0.113.7 fd00::2\n"},
		{"empty file", ""},
	}
	for _, tc := range cases {
		path := writeTemp(t, "dest.txt", tc.rows)
		if _, err := LoadDirectory(path, testConfig4(t)); err == nil {
			t.Fatalf("%s: want error", tc.name)
		}
	}
}

func TestSportTableAdmission(t *testing.T) {
	tbl := newSportTable(2, false)
	from := func(p uint16) netip.AddrPort {
		return netip.AddrPortFrom(netip.MustParseAddr("198.51.100.1"), p)
	}

	if err := tbl.Admit(1001, from(1001), FamilyV4); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Admit(1002, from(1002), FamilyV4); err != nil {
		t.Fatal(err)
	}
	// The limit is reached: the next unknown peer is refused.
	if err := tbl.Admit(1003, from(1003), FamilyV4); err == nil {
		t.Fatal("admission above fd-lim should fail")
	}
	// Re-admitting a known peer is not an admission.
	if err := tbl.Admit(1001, from(1001), FamilyV4); err != nil {
		t.Fatalf("known peer refused: %v", err)
	}
	if tbl.Size() != 2 {
		t.Fatalf("size: %d", tbl.Size())
	}

	ap, ok := tbl.Lookup(1002, FamilyV4)
	if !ok || ap != from(1002) {
		t.Fatalf("lookup: %v %s", ok, ap)
	}
	if _, ok := tbl.Lookup(1002, FamilyV6); ok {
		t.Fatal("v6 slot should be empty")
	}
}

func TestSportTableLocked(t *testing.T) {
	tbl := newSportTable(16, true)
	from := netip.MustParseAddrPort("198.51.100.1:1001")

	if err := tbl.Admit(1001, from, FamilyV4); err == nil {
		t.Fatal("locked table should refuse unknown peers")
	}
	if tbl.Size() != 0 {
		t.Fatalf("size: %d", tbl.Size())
	}

	// Statically listed peers pass regardless.
	rec := &PeerRecord{SPort: 2000, Pub4: netip.MustParseAddrPort("203.0.113.7:5000")}
	tbl.addStatic(rec)
	if err := tbl.Admit(2000, from, FamilyV4); err != nil {
		t.Fatalf("listed peer refused: %v", err)
	}
}
