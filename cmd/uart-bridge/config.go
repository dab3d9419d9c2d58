package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/queue"
)

const (
	roleBroker = "broker"
	roleUSB    = "usb"
	roleBLE    = "ble"
	roleTCP    = "tcp"
	roleAll    = "all"
)

var allRoles = []string{roleBroker, roleUSB, roleBLE, roleTCP}

type appConfig struct {
	role  string
	roles []string

	busKind       string
	zmqToSerial   string
	zmqFromSerial string
	redisAddr     string
	redisPrefix   string
	subBuffer     int
	busPolicy     string

	serialDev       string
	baud            int
	serialReadTO    time.Duration
	monitorInterval time.Duration
	stallAfter      time.Duration
	writeErrorPause time.Duration
	queueCap        int
	overflow        string

	usbManufacturer string
	usbModel        string
	usbDescription  string
	usbVersion      string
	usbURI          string
	usbSerial       string
	usbRescan       time.Duration

	bleBackend string
	bleName    string
	bleAdapter string

	listenAddr   string
	maxClients   int
	clientReadTO time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	role := flag.String("role", roleBroker, "Process role: broker|usb|ble|tcp|all or a comma separated list")
	busKind := flag.String("bus", "", "Bus: zmq|redis|memory (default zmq, memory when broker and peers share the process)")
	zmqTo := flag.String("zmq-to-serial", "", "to-serial endpoint (bind on broker, connect on peers; default per role)")
	zmqFrom := flag.String("zmq-from-serial", "", "from-serial endpoint (bind on broker, connect on peers; default per role)")
	redisAddr := flag.String("redis-addr", "redis://127.0.0.1:6379/0", "Redis address or URL (when --bus=redis)")
	redisPrefix := flag.String("redis-prefix", "uart-bridge", "Redis channel prefix")
	subBuf := flag.Int("sub-buffer", 256, "Per-subscriber buffer (frames)")
	busPolicy := flag.String("bus-policy", "drop", "Slow subscriber policy: drop|kick")
	serialDev := flag.String("serial", "/dev/ttyS0", "Serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", time.Second, "Serial read timeout")
	monitorInterval := flag.Duration("monitor-interval", 2*time.Second, "Serial health check interval")
	stallAfter := flag.Duration("stall-after", 3*time.Second, "Silence after which the serial link is reopened")
	writeErrorPause := flag.Duration("write-error-pause", 2*time.Second, "Pause after a failed serial write")
	queueCap := flag.Int("queue-cap", queue.DefaultSoftCap, "Pending queue soft cap (frames)")
	overflow := flag.String("overflow", "shed-all", "Pending queue overflow policy: shed-all|drop-oldest")
	usbManufacturer := flag.String("usb-manufacturer", "GoFabCNC", "Accessory manufacturer string")
	usbModel := flag.String("usb-model", "Plasma Table", "Accessory model string")
	usbDescription := flag.String("usb-description", "GoFabCNC Plasma Table", "Accessory description string")
	usbVersion := flag.String("usb-version", "1.0", "Accessory version string")
	usbURI := flag.String("usb-uri", "https://gofabcnc.com", "Accessory URI string")
	usbSerial := flag.String("usb-serial", "serial", "Accessory serial string")
	usbRescan := flag.Duration("usb-rescan", 3*time.Second, "Pause between USB discovery passes")
	bleBackend := flag.String("ble-backend", "bluez", "BLE backend: bluez|tinygo")
	bleName := flag.String("ble-name", "rpi-gatt-server", "Advertised BLE local name")
	bleAdapter := flag.String("ble-adapter", "", "BlueZ adapter name, e.g. hci0 (default first adapter)")
	listen := flag.String("listen", ":20000", "TCP tap listen address")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the broker and TCP tap")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default uart-bridge-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.role = *role
	cfg.busKind = *busKind
	cfg.zmqToSerial = *zmqTo
	cfg.zmqFromSerial = *zmqFrom
	cfg.redisAddr = *redisAddr
	cfg.redisPrefix = *redisPrefix
	cfg.subBuffer = *subBuf
	cfg.busPolicy = *busPolicy
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.monitorInterval = *monitorInterval
	cfg.stallAfter = *stallAfter
	cfg.writeErrorPause = *writeErrorPause
	cfg.queueCap = *queueCap
	cfg.overflow = *overflow
	cfg.usbManufacturer = *usbManufacturer
	cfg.usbModel = *usbModel
	cfg.usbDescription = *usbDescription
	cfg.usbVersion = *usbVersion
	cfg.usbURI = *usbURI
	cfg.usbSerial = *usbSerial
	cfg.usbRescan = *usbRescan
	cfg.bleBackend = *bleBackend
	cfg.bleName = *bleName
	cfg.bleAdapter = *bleAdapter
	cfg.listenAddr = *listen
	cfg.maxClients = *maxClients
	cfg.clientReadTO = *clientReadTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if *showVersion {
		return cfg, true
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Fprintf(os.Stderr, "environment override error: %v\n", err)
		return nil, false
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, false
	}
	return cfg, false
}

// parseRoles expands the role flag into a de-duplicated list in canonical
// order.
func parseRoles(s string) ([]string, error) {
	want := map[string]bool{}
	for _, r := range strings.Split(s, ",") {
		r = strings.ToLower(strings.TrimSpace(r))
		switch r {
		case "":
		case roleAll:
			for _, a := range allRoles {
				want[a] = true
			}
		case roleBroker, roleUSB, roleBLE, roleTCP:
			want[r] = true
		default:
			return nil, fmt.Errorf("invalid role: %s", r)
		}
	}
	var out []string
	for _, r := range allRoles {
		if want[r] {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no role selected")
	}
	return out, nil
}

func (c *appConfig) hasRole(r string) bool {
	for _, x := range c.roles {
		if x == r {
			return true
		}
	}
	return false
}

// hasPeerRole reports whether any adapter role runs in this process.
func (c *appConfig) hasPeerRole() bool {
	return c.hasRole(roleUSB) || c.hasRole(roleBLE) || c.hasRole(roleTCP)
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
// It also resolves the role list and the automatic bus choice.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	roles, err := parseRoles(c.role)
	if err != nil {
		return err
	}
	c.roles = roles
	mixed := c.hasRole(roleBroker) && c.hasPeerRole()
	switch c.busKind {
	case "":
		c.busKind = "zmq"
		if mixed {
			c.busKind = "memory"
		}
	case "zmq":
		if mixed {
			return errors.New("bus zmq cannot host the broker and its peers in one process (use memory or redis)")
		}
	case "memory":
		if !mixed {
			return errors.New("bus memory needs the broker and at least one peer role in this process")
		}
	case "redis":
		if c.redisAddr == "" {
			return errors.New("redis-addr required with bus redis")
		}
	default:
		return fmt.Errorf("invalid bus: %s", c.busKind)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.busPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid bus-policy: %s", c.busPolicy)
	}
	if _, err := queue.ParsePolicy(c.overflow); err != nil {
		return fmt.Errorf("invalid overflow: %w", err)
	}
	switch c.bleBackend {
	case "bluez", "tinygo":
	default:
		return fmt.Errorf("invalid ble-backend: %s", c.bleBackend)
	}
	if c.subBuffer <= 0 {
		return fmt.Errorf("sub-buffer must be > 0 (got %d)", c.subBuffer)
	}
	if c.queueCap <= 0 {
		return fmt.Errorf("queue-cap must be > 0 (got %d)", c.queueCap)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.hasRole(roleBroker) && c.serialDev == "" {
		return errors.New("serial device required for role broker")
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.monitorInterval <= 0 || c.stallAfter <= 0 || c.writeErrorPause <= 0 {
		return fmt.Errorf("monitor-interval, stall-after and write-error-pause must be > 0")
	}
	if c.usbRescan <= 0 {
		return fmt.Errorf("usb-rescan must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.hasRole(roleTCP) && c.listenAddr == "" {
		return errors.New("listen address required for role tcp")
	}
	if c.hasRole(roleBLE) && c.bleName == "" {
		return errors.New("ble-name must not be empty")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps UART_BRIDGE_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	lookup := func(name, env string) (string, bool) {
		if _, ok := set[name]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(env)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(name, env string, dst *string) {
		if v, ok := lookup(name, env); ok {
			*dst = v
		}
	}
	num := func(name, env string, lo int, dst *int) {
		v, ok := lookup(name, env)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err == nil && n < lo {
			err = fmt.Errorf("must be >= %d", lo)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
			return
		}
		*dst = n
	}
	dur := func(name, env string, dst *time.Duration) {
		v, ok := lookup(name, env)
		if !ok {
			return
		}
		d, err := time.ParseDuration(v)
		if err == nil && d < 0 {
			err = errors.New("must be >= 0")
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
			return
		}
		*dst = d
	}
	boolean := func(name, env string, dst *bool) {
		v, ok := lookup(name, env)
		if !ok {
			return
		}
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", env, v)
			}
		}
	}

	str("role", "UART_BRIDGE_ROLE", &c.role)
	str("bus", "UART_BRIDGE_BUS", &c.busKind)
	str("zmq-to-serial", "UART_BRIDGE_ZMQ_TO_SERIAL", &c.zmqToSerial)
	str("zmq-from-serial", "UART_BRIDGE_ZMQ_FROM_SERIAL", &c.zmqFromSerial)
	str("redis-addr", "UART_BRIDGE_REDIS_ADDR", &c.redisAddr)
	str("redis-prefix", "UART_BRIDGE_REDIS_PREFIX", &c.redisPrefix)
	num("sub-buffer", "UART_BRIDGE_SUB_BUFFER", 1, &c.subBuffer)
	str("bus-policy", "UART_BRIDGE_BUS_POLICY", &c.busPolicy)
	str("serial", "UART_BRIDGE_SERIAL", &c.serialDev)
	num("baud", "UART_BRIDGE_BAUD", 1, &c.baud)
	dur("serial-read-timeout", "UART_BRIDGE_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	dur("monitor-interval", "UART_BRIDGE_MONITOR_INTERVAL", &c.monitorInterval)
	dur("stall-after", "UART_BRIDGE_STALL_AFTER", &c.stallAfter)
	dur("write-error-pause", "UART_BRIDGE_WRITE_ERROR_PAUSE", &c.writeErrorPause)
	num("queue-cap", "UART_BRIDGE_QUEUE_CAP", 1, &c.queueCap)
	str("overflow", "UART_BRIDGE_OVERFLOW", &c.overflow)
	str("usb-manufacturer", "UART_BRIDGE_USB_MANUFACTURER", &c.usbManufacturer)
	str("usb-model", "UART_BRIDGE_USB_MODEL", &c.usbModel)
	str("usb-description", "UART_BRIDGE_USB_DESCRIPTION", &c.usbDescription)
	str("usb-version", "UART_BRIDGE_USB_VERSION", &c.usbVersion)
	str("usb-uri", "UART_BRIDGE_USB_URI", &c.usbURI)
	str("usb-serial", "UART_BRIDGE_USB_SERIAL", &c.usbSerial)
	dur("usb-rescan", "UART_BRIDGE_USB_RESCAN", &c.usbRescan)
	str("ble-backend", "UART_BRIDGE_BLE_BACKEND", &c.bleBackend)
	str("ble-name", "UART_BRIDGE_BLE_NAME", &c.bleName)
	str("ble-adapter", "UART_BRIDGE_BLE_ADAPTER", &c.bleAdapter)
	str("listen", "UART_BRIDGE_LISTEN", &c.listenAddr)
	num("max-clients", "UART_BRIDGE_MAX_CLIENTS", 0, &c.maxClients)
	dur("client-read-timeout", "UART_BRIDGE_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	str("log-format", "UART_BRIDGE_LOG_FORMAT", &c.logFormat)
	str("log-level", "UART_BRIDGE_LOG_LEVEL", &c.logLevel)
	dur("log-metrics-interval", "UART_BRIDGE_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "UART_BRIDGE_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "UART_BRIDGE_MDNS_NAME", &c.mdnsName)
	// an empty value disables the endpoint, so presence alone counts
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("UART_BRIDGE_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	return firstErr
}
