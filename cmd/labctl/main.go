// cmd/labctl/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"labinstr/internal/block"
	"labinstr/internal/config"
	"labinstr/internal/model"
	"labinstr/internal/protocol"
)

const usage = `usage: labctl <command> [flags]

commands:
  query   send a command and print the response
  send    send a command without reading
  block   query a binary block and print the samples
  status  read the status byte (GPIB and USB only)
  list    print the address table
  scan    discover serial, USB and LAN instruments
  serve   run the HTTP and WebSocket bridge
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "query":
		err = runQuery(os.Args[2:], os.Stdout)
	case "send":
		err = runSend(os.Args[2:])
	case "block":
		err = runBlock(os.Args[2:], os.Stdout)
	case "status":
		err = runStatus(os.Args[2:], os.Stdout)
	case "list":
		err = runList(os.Args[2:], os.Stdout)
	case "scan":
		err = runScan(os.Args[2:], os.Stdout)
	case "serve":
		err = runServe(os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "labctl: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "labctl %s: %v\n", os.Args[1], err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto distinct process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, model.ErrConfiguration):
		return 2
	case errors.Is(err, model.ErrConnection):
		return 3
	case errors.Is(err, model.ErrTimeout):
		return 4
	case errors.Is(err, model.ErrValue), errors.Is(err, model.ErrMalformedBlock):
		return 5
	default:
		return 1
	}
}

// target collects the flags that select an instrument, either by address
// table id or by an explicit transport.
type target struct {
	configPath string
	id         string

	tcp      string
	gpib     string
	flavor   string
	serial   string
	baud     int
	usb      string
	term     string
	encoding string
	timeout  time.Duration
	verbose  bool
}

func (t *target) register(fs *flag.FlagSet) {
	fs.StringVar(&t.configPath, "config", "", "config file (default: labinstr.yaml in the search paths)")
	fs.StringVar(&t.id, "id", "", "instrument id from the address table")
	fs.StringVar(&t.tcp, "tcp", "", "raw socket `host:port`")
	fs.StringVar(&t.gpib, "gpib", "", "GPIB gateway and primary address, `host/addr`")
	fs.StringVar(&t.flavor, "flavor", "vxi11", "GPIB gateway flavor: vxi11 or prologix")
	fs.StringVar(&t.serial, "serial", "", "serial `port`, e.g. /dev/ttyUSB0 or COM3")
	fs.IntVar(&t.baud, "baud", 9600, "serial baud rate")
	fs.StringVar(&t.usb, "usb", "", "USBTMC serial number (substring of the resource string)")
	fs.StringVar(&t.term, "term", "", "terminator: LF, CR, CRLF or a literal")
	fs.StringVar(&t.encoding, "encoding", "", "text encoding, e.g. iso-8859-1")
	fs.DurationVar(&t.timeout, "timeout", 0, "I/O timeout (default from config)")
	fs.BoolVar(&t.verbose, "v", false, "debug logging to stderr")
}

// load reads the application config and applies -v.
func (t *target) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(t.configPath)
	if err != nil {
		return nil, nil, err
	}
	if t.verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Output = "stderr"
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// resolve returns the connection configuration and a display id.
func (t *target) resolve(cfg *config.Config) (string, protocol.ConnectionConfig, error) {
	var conn protocol.ConnectionConfig
	var id string

	explicit := 0
	for _, s := range []string{t.tcp, t.gpib, t.serial, t.usb} {
		if s != "" {
			explicit++
		}
	}
	switch {
	case t.id != "" && explicit > 0:
		return "", conn, fmt.Errorf("%w: -id cannot be combined with transport flags", model.ErrConfiguration)
	case explicit > 1:
		return "", conn, fmt.Errorf("%w: choose one of -tcp, -gpib, -serial, -usb", model.ErrConfiguration)
	case t.id != "":
		c, err := cfg.AddressTable().Lookup(t.id)
		if err != nil {
			return "", conn, err
		}
		conn, id = c, t.id
	case t.tcp != "":
		host, port, err := splitHostPort(t.tcp)
		if err != nil {
			return "", conn, err
		}
		conn = protocol.ConnectionConfig{Type: model.ConnectionTypeTCP, TCP: &protocol.TCPConfig{Host: host, Port: port}}
	case t.gpib != "":
		gw, addr, ok := strings.Cut(t.gpib, "/")
		n, err := strconv.Atoi(addr)
		if !ok || err != nil {
			return "", conn, fmt.Errorf("%w: -gpib wants host/addr, got %q", model.ErrConfiguration, t.gpib)
		}
		flavor, err := model.ParseGatewayFlavor(t.flavor)
		if err != nil {
			return "", conn, err
		}
		conn = protocol.ConnectionConfig{Type: model.ConnectionTypeGPIB, GPIB: &protocol.GPIBConfig{Gateway: gw, Address: n, Flavor: flavor}}
	case t.serial != "":
		conn = protocol.ConnectionConfig{Type: model.ConnectionTypeSerial, Serial: &protocol.SerialConfig{
			Port:        t.serial,
			BaudRate:    t.baud,
			SettleDelay: cfg.Defaults.SettleDelay,
		}}
	case t.usb != "":
		conn = protocol.ConnectionConfig{Type: model.ConnectionTypeUSB, USB: &protocol.USBConfig{SerialNumber: t.usb}}
	default:
		return "", conn, fmt.Errorf("%w: no instrument selected (use -id or a transport flag)", model.ErrConfiguration)
	}

	if t.term != "" {
		conn.Terminator = t.term
	}
	if t.encoding != "" {
		conn.Encoding = t.encoding
	}
	switch {
	case t.timeout > 0:
		conn.Timeout = t.timeout
	case conn.Timeout == 0:
		conn.Timeout = cfg.Defaults.Timeout
	}
	if id == "" {
		id = conn.WithDefaults().Address()
	}
	return id, conn, nil
}

func splitHostPort(s string) (string, int, error) {
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("%w: -tcp wants host:port: %v", model.ErrConfiguration, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid port %q", model.ErrConfiguration, p)
	}
	return host, port, nil
}

// command parses a subcommand that takes one SCPI command argument.
func command(name string, args []string, extra func(*flag.FlagSet)) (*target, string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	t := &target{}
	t.register(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, "", fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	cmd := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if cmd == "" {
		return nil, "", fmt.Errorf("%w: missing command argument", model.ErrConfiguration)
	}
	return t, cmd, nil
}

func runQuery(args []string, out io.Writer) error {
	as := string(model.ValueText)
	t, cmd, err := command("query", args, func(fs *flag.FlagSet) {
		fs.StringVar(&as, "as", as, "coerce the response: text, raw, int, float or decimal")
	})
	if err != nil {
		return err
	}
	kind, err := model.ParseValueKind(as)
	if err != nil {
		return err
	}

	return withInstrument(t, func(ctx context.Context, s *cliSession) error {
		v, err := s.inst.QueryAs(ctx, cmd, kind)
		if err != nil {
			return err
		}
		if b, ok := v.([]byte); ok {
			_, err = out.Write(append(b, '\n'))
			return err
		}
		_, err = fmt.Fprintln(out, v)
		return err
	})
}

func runSend(args []string) error {
	t, cmd, err := command("send", args, nil)
	if err != nil {
		return err
	}
	return withInstrument(t, func(ctx context.Context, s *cliSession) error {
		return s.inst.Send(ctx, cmd)
	})
}

func runBlock(args []string, out io.Writer) error {
	dtype := "uint8"
	t, cmd, err := command("block", args, func(fs *flag.FlagSet) {
		fs.StringVar(&dtype, "format", dtype, "sample format, e.g. >i2, <f4, uint8")
	})
	if err != nil {
		return err
	}
	format, err := block.ParseFormat(dtype)
	if err != nil {
		return err
	}

	return withInstrument(t, func(ctx context.Context, s *cliSession) error {
		samples, err := s.inst.QueryBlock(ctx, cmd, format)
		if err != nil {
			return err
		}
		switch format.Kind {
		case block.Float:
			for _, v := range samples.Float64s() {
				fmt.Fprintln(out, strconv.FormatFloat(v, 'g', -1, 64))
			}
		case block.Int:
			for _, v := range samples.Int64s() {
				fmt.Fprintln(out, v)
			}
		default:
			for _, v := range samples.Uint64s() {
				fmt.Fprintln(out, v)
			}
		}
		return nil
	})
}

func runStatus(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	t := &target{}
	t.register(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	return withInstrument(t, func(ctx context.Context, s *cliSession) error {
		bits, err := s.inst.StatusByte(ctx)
		if err != nil {
			return err
		}
		var value int
		for i, set := range bits {
			if set {
				value |= 1 << i
			}
		}
		fmt.Fprintf(out, "status byte %d (0x%02X)\n", value, value)
		for i, set := range bits {
			fmt.Fprintf(out, "  bit %d: %t\n", i, set)
		}
		return nil
	})
}

func runList(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	instruments := cfg.AddressTable().List()
	if len(instruments) == 0 {
		fmt.Fprintln(out, "no instruments configured")
		return nil
	}
	for _, info := range instruments {
		fmt.Fprintf(out, "%-20s %-7s %-32s %s\n", info.ID, info.ConnectionType, info.Address, info.Description)
	}
	return nil
}
