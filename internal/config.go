package internal

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the tunnel. It is fully populated before
// any socket is opened; the forwarding paths treat it as read-only.
type Config struct {
	// Ports.
	PublicPort  uint16 `yaml:"public_server_port"`
	PrivatePort uint16 `yaml:"private_server_port"`
	Port        uint16 `yaml:"source_port"`

	// Addressing.
	PrivateAddr4 string `yaml:"private_address4"`
	PrivateMask4 string `yaml:"private_mask4"`
	PrivateAddr6 string `yaml:"private_address6"`
	PrivateMask6 string `yaml:"private_mask6"`
	PublicAddr4  string `yaml:"public_address4"`
	PublicAddr6  string `yaml:"public_address6"`

	// Timeouts, in seconds. A negative inactivity timeout blocks forever.
	InactivityTimeout int `yaml:"inactivity_timeout"`
	InitialSleep      int `yaml:"initial_sleep"`
	TCPSndTimeout     int `yaml:"tcp_send_timeout"`
	TCPRcvTimeout     int `yaml:"tcp_receive_timeout"`

	// Locations.
	CliDir   string `yaml:"client_dir"`
	OutDir   string `yaml:"output_dir"`
	ServFile string `yaml:"server_file"`

	// System settings.
	BufLength      int `yaml:"buffer_length"`
	BacklogSize    int `yaml:"backlog_size"`
	FdLim          int `yaml:"fd_lim"`
	MaxSegmentSize int `yaml:"tun_tcp_mss"`
	Snaplen        int `yaml:"snaplen"`

	// Interfaces.
	TunIf     string `yaml:"tun_if"`
	DefaultIf string `yaml:"default_if"`

	// Outer transport. UDP is the default; when false a raw IP socket
	// with ProtocolNum is used and the kernel-delivered outer header is
	// stripped on ingress.
	UDP           bool   `yaml:"udp"`
	RawHeaderHex  string `yaml:"raw_header"`
	RawHeaderSize int    `yaml:"raw_header_size"`
	ProtocolNum   int    `yaml:"protocol_number"`

	// Host quirks.
	PlanetLab bool `yaml:"planetlab"`

	// Server admission policy: when true, only peers listed in the
	// destination file are accepted on the outer socket.
	LockedPeers bool `yaml:"locked_peers"`

	MetricsAddr string `yaml:"metrics_address"`

	// Populated from flags, not from the file.
	IPv6         bool          `yaml:"-"`
	DualStack    bool          `yaml:"-"`
	RunID        string        `yaml:"-"`
	CloseTimeout time.Duration `yaml:"-"`

	rawHeader []byte
}

// NewConfig returns a Config holding the defaults that LoadConfig starts
// from.
func NewConfig() *Config {
	return &Config{
		InactivityTimeout: -1,
		UDP:               true,
		LockedPeers:       true,
		CloseTimeout:      time.Second,
	}
}

// LoadConfig reads the configuration at path. A .yaml/.yml suffix selects
// the YAML form; anything else is parsed as flat "key value" lines with
// #-comments. Unknown keys are ignored.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration file: %w", err)
	}

	c := NewConfig()
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("configuration file %s: %w", path, err)
		}
	} else if err := c.parseFlat(string(b)); err != nil {
		return nil, fmt.Errorf("configuration file %s: %w", path, err)
	}

	if err := c.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFlat(text string) error {
	sc := bufio.NewScanner(strings.NewReader(text))
	for ln := 1; sc.Scan(); ln++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return fmt.Errorf("line %d: want \"key value\", got %q", ln, line)
		}
		if err := c.setKey(fields[0], fields[1]); err != nil {
			return fmt.Errorf("line %d: %w", ln, err)
		}
	}
	return sc.Err()
}

func (c *Config) setKey(key, val string) error {
	atoi := func(dst *int) error {
		v, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = v
		return nil
	}
	port := func(dst *uint16) error {
		v, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = uint16(v)
		return nil
	}
	flag := func(dst *bool) error {
		v, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = v
		return nil
	}

	switch key {
	case "public-server-port":
		return port(&c.PublicPort)
	case "private-server-port":
		return port(&c.PrivatePort)
	case "source-port":
		return port(&c.Port)
	case "private-address4":
		c.PrivateAddr4 = val
	case "private-mask4":
		c.PrivateMask4 = val
	case "private-address6":
		c.PrivateAddr6 = val
	case "private-mask6":
		c.PrivateMask6 = val
	case "public-address4":
		c.PublicAddr4 = val
	case "public-address6":
		c.PublicAddr6 = val
	case "inactivity-timeout":
		return atoi(&c.InactivityTimeout)
	case "initial-sleep":
		return atoi(&c.InitialSleep)
	case "tcp-send-timeout":
		return atoi(&c.TCPSndTimeout)
	case "tcp-receive-timeout":
		return atoi(&c.TCPRcvTimeout)
	case "client-dir":
		c.CliDir = val
	case "output-dir":
		c.OutDir = val
	case "server-file":
		c.ServFile = val
	case "buffer-length":
		return atoi(&c.BufLength)
	case "backlog-size":
		return atoi(&c.BacklogSize)
	case "fd-lim":
		return atoi(&c.FdLim)
	case "tun-tcp-mss":
		return atoi(&c.MaxSegmentSize)
	case "snaplen":
		return atoi(&c.Snaplen)
	case "tun-if":
		c.TunIf = val
	case "default-if":
		c.DefaultIf = val
	case "udp":
		return flag(&c.UDP)
	case "raw-header":
		c.RawHeaderHex = val
	case "raw-header-size":
		return atoi(&c.RawHeaderSize)
	case "protocol-number":
		return atoi(&c.ProtocolNum)
	case "planetlab":
		return flag(&c.PlanetLab)
	case "locked-peers":
		return flag(&c.LockedPeers)
	case "metrics-address":
		c.MetricsAddr = val
	default:
		// Unknown keys are tolerated so config files can be shared
		// across versions.
	}
	return nil
}

// finish applies defaults and decodes derived fields.
func (c *Config) finish() error {
	if c.BufLength == 0 {
		c.BufLength = 8192
	}
	if c.BacklogSize == 0 {
		c.BacklogSize = 32
	}
	if c.FdLim == 0 {
		c.FdLim = 64
	}
	if c.Snaplen == 0 {
		c.Snaplen = 65535
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = time.Second
	}
	if c.CliDir != "" && !strings.HasSuffix(c.CliDir, "/") {
		c.CliDir += "/"
	}
	if c.OutDir != "" && !strings.HasSuffix(c.OutDir, "/") {
		c.OutDir += "/"
	}
	return c.decodeRawHeader()
}

func (c *Config) decodeRawHeader() error {
	if c.RawHeaderHex == "" {
		c.rawHeader = nil
		return nil
	}
	b, err := hex.DecodeString(c.RawHeaderHex)
	if err != nil {
		return fmt.Errorf("raw-header: %w", err)
	}
	c.rawHeader = b
	if c.RawHeaderSize == 0 {
		c.RawHeaderSize = len(b)
	}
	if c.RawHeaderSize != len(b) {
		return fmt.Errorf("raw-header: %d bytes given, raw-header-size is %d",
			len(b), c.RawHeaderSize)
	}
	return nil
}

// SetRawHeader overrides the wire shim header, typically from the -r flag.
func (c *Config) SetRawHeader(hexStr string, size int) error {
	c.RawHeaderHex = hexStr
	if size > 0 {
		c.RawHeaderSize = size
	}
	return c.decodeRawHeader()
}

// RawHeader returns the decoded shim header, nil when unset.
func (c *Config) RawHeader() []byte { return c.rawHeader }

// Families lists the address families active under the configured stack
// mode, v4 first.
func (c *Config) Families() []Family {
	if c.DualStack {
		return []Family{FamilyV4, FamilyV6}
	}
	if c.IPv6 {
		return []Family{FamilyV6}
	}
	return []Family{FamilyV4}
}

// PrivateAddr parses the private address of the given family.
func (c *Config) PrivateAddr(f Family) (netip.Addr, error) {
	return parseConfAddr("private-address", f, c.PrivateAddr4, c.PrivateAddr6)
}

// PublicAddr parses the public address of the given family.
func (c *Config) PublicAddr(f Family) (netip.Addr, error) {
	return parseConfAddr("public-address", f, c.PublicAddr4, c.PublicAddr6)
}

func parseConfAddr(key string, f Family, v4, v6 string) (netip.Addr, error) {
	s := v4
	if f == FamilyV6 {
		s = v6
	}
	if s == "" {
		return netip.Addr{}, fmt.Errorf("%s%d not set", key, f)
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s%d: %w", key, f, err)
	}
	return a, nil
}

// Validate checks that the fields the given role depends on are present.
func (c *Config) Validate(role Role) error {
	for _, f := range c.Families() {
		if _, err := c.PrivateAddr(f); err != nil {
			return err
		}
		if _, err := c.PublicAddr(f); err != nil {
			return err
		}
	}
	if !c.UDP && c.ProtocolNum == 0 {
		return fmt.Errorf("protocol-number required for a raw outer socket")
	}
	switch role {
	case RoleClient:
		if c.Port == 0 {
			return fmt.Errorf("source-port not set")
		}
		if c.CliDir == "" {
			return fmt.Errorf("client-dir not set")
		}
	case RoleServer:
		if c.PublicPort == 0 {
			return fmt.Errorf("public-server-port not set")
		}
		if c.ServFile == "" {
			return fmt.Errorf("server-file not set")
		}
	case RolePeer:
		if c.Port == 0 || c.PublicPort == 0 || c.PrivatePort == 0 {
			return fmt.Errorf("fullmesh mode needs source-port, public-server-port and private-server-port")
		}
		if c.CliDir == "" || c.ServFile == "" {
			return fmt.Errorf("fullmesh mode needs client-dir and server-file")
		}
	}
	return nil
}
