package internal

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

var (
	errDirectoryRow    = errors.New("malformed destination row")
	errDuplicatePort   = errors.New("duplicate unique port")
	errDuplicateAddr   = errors.New("duplicate private address")
	errTableFull       = errors.New("peer table full")
	errLockedAdmission = errors.New("admission disabled for unlisted peers")
)

// PeerRecord describes one remote endpoint. Records are immutable after
// the directory is loaded.
type PeerRecord struct {
	// SPort is the peer's globally unique source port, the ingress
	// demultiplexing key.
	SPort uint16

	// Public socket addresses carry the outer server port.
	Pub4 netip.AddrPort
	Pub6 netip.AddrPort

	// Private addresses inside the measurement subnet.
	Priv4 netip.Addr
	Priv6 netip.Addr
}

// Pub returns the public socket address for the given family.
func (r *PeerRecord) Pub(f Family) netip.AddrPort {
	if f == FamilyV6 {
		return r.Pub6
	}
	return r.Pub4
}

// Priv returns the private address for the given family.
func (r *PeerRecord) Priv(f Family) netip.Addr {
	if f == FamilyV6 {
		return r.Priv6
	}
	return r.Priv4
}

// Directory is the static peer table plus the server-side source-port
// section. The static indices are read-only after Load; the sport section
// has a single writer (the forwarding loop), so it carries no lock.
type Directory struct {
	byPriv4 map[netip.Addr]*PeerRecord
	byPriv6 map[netip.Addr]*PeerRecord
	list    []*PeerRecord
	sport   *sportTable
}

// List returns the peers in file order, for the scheduler.
func (d *Directory) List() []*PeerRecord { return d.list }

// Len is the number of loaded peers.
func (d *Directory) Len() int { return len(d.list) }

// LookupPriv finds the peer owning a private address.
func (d *Directory) LookupPriv(a netip.Addr, f Family) (*PeerRecord, bool) {
	var r *PeerRecord
	var ok bool
	if f == FamilyV6 {
		r, ok = d.byPriv6[a]
	} else {
		r, ok = d.byPriv4[a]
	}
	return r, ok
}

// Sport exposes the source-port section.
func (d *Directory) Sport() *sportTable { return d.sport }

// sportEntry records where a peer's encapsulated traffic comes from, per
// family.
type sportEntry struct {
	v4 netip.AddrPort
	v6 netip.AddrPort
	// static entries come from the destination file; dynamic ones are
	// admitted at runtime and count against the limit.
	static bool
}

// sportTable is the ingress demux table keyed by unique source port.
// Dynamic entries are only added when the admission policy allows it, and
// their count never shrinks before shutdown.
type sportTable struct {
	m       map[uint16]*sportEntry
	limit   int
	locked  bool
	dynamic int
}

func newSportTable(limit int, locked bool) *sportTable {
	return &sportTable{
		m:      make(map[uint16]*sportEntry),
		limit:  limit,
		locked: locked,
	}
}

// Lookup resolves a unique port to the peer's outer address.
func (t *sportTable) Lookup(port uint16, f Family) (netip.AddrPort, bool) {
	e, ok := t.m[port]
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := e.v4
	if f == FamilyV6 {
		ap = e.v6
	}
	return ap, ap.IsValid()
}

// Known reports whether the port has any entry at all.
func (t *sportTable) Known(port uint16) bool {
	_, ok := t.m[port]
	return ok
}

// Admit records a previously unseen source. Listed peers always pass;
// unlisted ones are admitted dynamically up to the limit unless the table
// is locked.
func (t *sportTable) Admit(port uint16, from netip.AddrPort, f Family) error {
	if e, ok := t.m[port]; ok {
		if f == FamilyV6 && !e.v6.IsValid() {
			e.v6 = from
		} else if f == FamilyV4 && !e.v4.IsValid() {
			e.v4 = from
		}
		return nil
	}
	if t.locked {
		return errLockedAdmission
	}
	if t.dynamic >= t.limit {
		return errTableFull
	}
	e := &sportEntry{}
	if f == FamilyV6 {
		e.v6 = from
	} else {
		e.v4 = from
	}
	t.m[port] = e
	t.dynamic++
	return nil
}

// Size is the number of known ports.
func (t *sportTable) Size() int { return len(t.m) }

func (t *sportTable) addStatic(r *PeerRecord) {
	e := &sportEntry{static: true}
	if r.Pub4.IsValid() {
		e.v4 = netip.AddrPortFrom(r.Pub4.Addr(), r.SPort)
	}
	if r.Pub6.IsValid() {
		e.v6 = netip.AddrPortFrom(r.Pub6.Addr(), r.SPort)
	}
	t.m[r.SPort] = e
}

// EmptyDirectory builds a directory with no static peers, for a server
// that admits its peers dynamically.
func EmptyDirectory(cfg *Config) *Directory {
	return &Directory{
		byPriv4: make(map[netip.Addr]*PeerRecord),
		byPriv6: make(map[netip.Addr]*PeerRecord),
		sport:   newSportTable(cfg.FdLim, cfg.LockedPeers),
	}
}

// LoadDirectory reads the destination file: one peer per line, either
// three columns (port, public, private — single stack) or five (port,
// public4, private4, public6, private6). Rows not starting with a digit,
// short rows, bad addresses and duplicate ports or private addresses all
// fail the load.
func LoadDirectory(path string, cfg *Config) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("destination file: %w", err)
	}
	defer f.Close()

	d := &Directory{
		byPriv4: make(map[netip.Addr]*PeerRecord),
		byPriv6: make(map[netip.Addr]*PeerRecord),
		sport:   newSportTable(cfg.FdLim, cfg.LockedPeers),
	}

	sc := bufio.NewScanner(f)
	for ln := 1; sc.Scan(); ln++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := parsePeerRow(line, cfg)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, ln, err)
		}
		if err := d.insert(rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, ln, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("destination file: %w", err)
	}
	if len(d.list) == 0 {
		return nil, fmt.Errorf("%s: %w: no peers", path, errDirectoryRow)
	}
	return d, nil
}

func parsePeerRow(line string, cfg *Config) (*PeerRecord, error) {
	if line[0] < '0' || line[0] > '9' {
		return nil, fmt.Errorf("%w: %q", errDirectoryRow, line)
	}
	fields := strings.Fields(line)
	if len(fields) != 3 && len(fields) != 5 {
		return nil, fmt.Errorf("%w: want 3 or 5 columns, got %d", errDirectoryRow, len(fields))
	}
	if cfg.DualStack && len(fields) != 5 {
		return nil, fmt.Errorf("%w: dual-stack needs 5 columns", errDirectoryRow)
	}

	p, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: port %q", errDirectoryRow, fields[0])
	}
	rec := &PeerRecord{SPort: uint16(p)}

	pub, err := netip.ParseAddr(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDirectoryRow, err)
	}
	priv, err := netip.ParseAddr(fields[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDirectoryRow, err)
	}
	if pub.Is4() != priv.Is4() {
		return nil, fmt.Errorf("%w: mixed families in one column pair", errDirectoryRow)
	}
	if pub.Is4() {
		rec.Pub4 = netip.AddrPortFrom(pub, cfg.PublicPort)
		rec.Priv4 = priv
	} else {
		rec.Pub6 = netip.AddrPortFrom(pub, cfg.PublicPort)
		rec.Priv6 = priv
	}

	if len(fields) == 5 {
		pub6, err := netip.ParseAddr(fields[3])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errDirectoryRow, err)
		}
		priv6, err := netip.ParseAddr(fields[4])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errDirectoryRow, err)
		}
		if !pub6.Is6() || !priv6.Is6() {
			return nil, fmt.Errorf("%w: columns 4-5 must be IPv6", errDirectoryRow)
		}
		rec.Pub6 = netip.AddrPortFrom(pub6, cfg.PublicPort)
		rec.Priv6 = priv6
	}
	return rec, nil
}

func (d *Directory) insert(rec *PeerRecord) error {
	if _, dup := d.sport.m[rec.SPort]; dup {
		return fmt.Errorf("%w: %d", errDuplicatePort, rec.SPort)
	}
	if rec.Priv4.IsValid() {
		if _, dup := d.byPriv4[rec.Priv4]; dup {
			return fmt.Errorf("%w: %s", errDuplicateAddr, rec.Priv4)
		}
		d.byPriv4[rec.Priv4] = rec
	}
	if rec.Priv6.IsValid() {
		if _, dup := d.byPriv6[rec.Priv6]; dup {
			return fmt.Errorf("%w: %s", errDuplicateAddr, rec.Priv6)
		}
		d.byPriv6[rec.Priv6] = rec
	}
	d.sport.addStatic(rec)
	d.list = append(d.list, rec)
	return nil
}
