package natsbus

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fenwick-ops/conductor/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
	log    *slog.Logger
}

func New(cfg config.NATSConfig) (*Bus, error) {
	return NewWithLogger(cfg, nil)
}

// NewWithLogger starts the embedded broker with its operational log lines
// routed through log instead of nats-server's own writer, so a broker
// restart or slow-consumer warning shows up next to every other
// component's structured log output.
func NewWithLogger(cfg config.NATSConfig, log *slog.Logger) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	ns.SetLogger(&slogLogger{log: log.With("component", "natsbus")}, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
		log:    log,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Port() int {
	return b.cfg.Port
}

// Connect opens a client connection to this embedded broker, retrying
// nats.go's own reconnect logic on top rather than this package's.
func (b *Bus) Connect(opts ...nats.Option) (*nats.Conn, error) {
	conn, err := nats.Connect(b.ClientURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

// slogLogger adapts nats-server's plain Logger interface onto structured
// slog output.
type slogLogger struct {
	log *slog.Logger
}

func (l *slogLogger) Noticef(format string, v ...interface{}) {
	l.log.Info(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Errorf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

func (l *slogLogger) Tracef(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
