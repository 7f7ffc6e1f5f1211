package main

import (
	"errors"
	"fmt"
	"os"

	"meshtun/internal"

	"github.com/spf13/cobra"
)

const version = "meshtun 0.1"

var (
	flagClient   bool
	flagServer   bool
	flagFullmesh bool

	flagIPv6      bool
	flagDualStack bool

	flagUDP bool
	flagRaw bool

	flagPlanetlab bool
	flagFreeBSD   bool

	flagParallel   bool
	flagTunFirst   bool
	flagNotunFirst bool

	flagDestFile   string
	flagConfigFile string
	flagRunID      string

	flagRawHeader     string
	flagRawHeaderSize int
	flagProtocolNum   int

	flagTimeout int

	flagVerbose bool
	flagQuiet   bool
	flagVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "meshtun",
	Short: "Measurement tunnel for tunneled/direct path comparison",
	Long: `meshtun carries IP traffic between cooperating endpoints by
encapsulating it over UDP or a raw IP protocol, while driving one
tunneled and one direct TCP flow to every known peer and recording both
in pcap traces.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagVersion {
			fmt.Println(version)
			return nil
		}
		return run()
	},
}

func run() error {
	role, err := selectRole()
	if err != nil {
		return err
	}
	if flagConfigFile == "" {
		return errors.New("set a configuration file (-o meshtun.cfg)")
	}
	if flagDestFile == "" && role != internal.RoleServer {
		return errors.New("set a destination file (-d dest.txt)")
	}

	log := internal.NewLogger(flagVerbose, flagQuiet)
	defer func() { _ = log.Sync() }()

	cfg, err := internal.LoadConfig(flagConfigFile)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	dir, err := loadDirectory(cfg)
	if err != nil {
		return err
	}

	log.Infof("%s mode, %s scheduling", role, schedMode())
	return internal.Run(cfg, dir, role, schedMode(), log)
}

func selectRole() (internal.Role, error) {
	set := 0
	role := internal.RoleClient
	if flagClient {
		set++
	}
	if flagServer {
		set++
		role = internal.RoleServer
	}
	if flagFullmesh {
		set++
		role = internal.RolePeer
	}
	if set != 1 {
		return role, errors.New("set exactly one of -c, -s, -f")
	}
	return role, nil
}

func schedMode() internal.SchedMode {
	switch {
	case flagTunFirst:
		return internal.SchedTunFirst
	case flagNotunFirst:
		return internal.SchedNotunFirst
	default:
		return internal.SchedParallel
	}
}

func applyFlags(cfg *internal.Config) {
	cfg.IPv6 = flagIPv6
	cfg.DualStack = flagDualStack
	cfg.RunID = flagRunID
	if flagPlanetlab || flagFreeBSD {
		cfg.PlanetLab = true
	}
	if flagRaw {
		cfg.UDP = false
	}
	if flagTimeout != 0 {
		cfg.InactivityTimeout = flagTimeout
	}
	if flagProtocolNum != 0 {
		cfg.ProtocolNum = flagProtocolNum
	}
	if flagRawHeader != "" {
		if err := cfg.SetRawHeader(flagRawHeader, flagRawHeaderSize); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func loadDirectory(cfg *internal.Config) (*internal.Directory, error) {
	if flagDestFile == "" {
		// A bare server starts from an empty static table; it learns
		// peers dynamically only when locked-peers is off.
		return internal.EmptyDirectory(cfg), nil
	}
	return internal.LoadDirectory(flagDestFile, cfg)
}

func init() {
	f := rootCmd.Flags()

	f.BoolVarP(&flagClient, "client", "c", false, "client mode")
	f.BoolVarP(&flagServer, "server", "s", false, "server mode")
	f.BoolVarP(&flagFullmesh, "fullmesh", "f", false, "fullmesh mode (both client and server)")

	f.BoolVarP(&flagIPv6, "ipv6", "6", false, "IPv6 mode")
	f.BoolVarP(&flagDualStack, "dual-stack", "2", false, "IPv4-IPv6 mode")

	f.BoolVarP(&flagUDP, "udp", "U", false, "UDP outer transport (default)")
	f.BoolVarP(&flagRaw, "raw", "N", false, "raw IP outer transport")

	f.BoolVarP(&flagPlanetlab, "planetlab", "p", false, "PlanetLab mode")
	f.BoolVarP(&flagFreeBSD, "freebsd", "b", false, "FreeBSD mode")

	f.BoolVarP(&flagParallel, "parallel", "a", false, "parallel flow scheduling (default)")
	f.BoolVarP(&flagTunFirst, "tun-first", "t", false, "tunneled flow first")
	f.BoolVarP(&flagNotunFirst, "notun-first", "n", false, "direct flow first")

	f.StringVarP(&flagDestFile, "dest-file", "d", "", "destination file")
	f.StringVarP(&flagConfigFile, "config", "o", "", "configuration file")
	f.StringVarP(&flagRunID, "run-id", "i", "", "run ID, used in pcap filenames")

	f.StringVarP(&flagRawHeader, "raw-header", "r", "", "shim header as hex")
	f.IntVarP(&flagRawHeaderSize, "raw-header-size", "S", 0, "shim header size")
	f.IntVarP(&flagProtocolNum, "protocol", "P", 0, "outer raw protocol number")

	f.IntVar(&flagTimeout, "timeout", 0, "inactivity timeout in seconds")

	f.BoolVarP(&flagVerbose, "verbose", "v", false, "produce verbose output")
	f.BoolVarP(&flagQuiet, "quiet", "q", false, "don't produce any output")
	f.BoolVarP(&flagVersion, "version", "V", false, "print program version")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
