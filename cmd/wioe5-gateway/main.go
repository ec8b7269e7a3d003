// Command wioe5-gateway runs a LoRa mesh radio on a Seeed Wio-E5 and bridges
// the traffic it hears to an MQTT broker and, optionally, a host serial link.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kabili207/meshradio-go/core/airtime"
	"github.com/kabili207/meshradio-go/core/codec"
	"github.com/kabili207/meshradio-go/core/pool"
	"github.com/kabili207/meshradio-go/core/region"
	"github.com/kabili207/meshradio-go/device/radio"
	"github.com/kabili207/meshradio-go/driver/stub"
	"github.com/kabili207/meshradio-go/driver/wioe5"
	"github.com/kabili207/meshradio-go/store/airtimedb"
	"github.com/kabili207/meshradio-go/transport"
	"github.com/kabili207/meshradio-go/transport/mqtt"
	hostlink "github.com/kabili207/meshradio-go/transport/serial"
)

type options struct {
	port       string
	baud       int
	stub       bool
	region     string
	channel    string
	freqMHz    float64
	powerDBm   int
	txEnabled  bool
	broker     string
	mqttUser   string
	mqttPass   string
	mqttRoot   string
	downlink   bool
	hostPort   string
	hostBaud   int
	dbPath     string
	statsEvery time.Duration
	debug      bool
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.port, "port", "/dev/ttyUSB0", "Wio-E5 serial port")
	fs.IntVar(&o.baud, "baud", wioe5.DefaultBaudRate, "Wio-E5 baud rate")
	fs.BoolVar(&o.stub, "stub", false, "use an in-memory radio instead of a Wio-E5")
	fs.StringVar(&o.region, "region", "US", "regulatory region (e.g. US, EU_868)")
	fs.StringVar(&o.channel, "channel", radio.DefaultChannelName, "primary channel name")
	fs.Float64Var(&o.freqMHz, "freq", 0, "frequency override in MHz (0 derives it from region and channel)")
	fs.IntVar(&o.powerDBm, "power", 0, "transmit power in dBm (0 uses the region limit)")
	fs.BoolVar(&o.txEnabled, "tx", true, "allow transmitting")
	fs.StringVar(&o.broker, "broker", "", "MQTT broker URL (empty disables MQTT)")
	fs.StringVar(&o.mqttUser, "mqtt-user", "", "MQTT username")
	fs.StringVar(&o.mqttPass, "mqtt-pass", "", "MQTT password")
	fs.StringVar(&o.mqttRoot, "mqtt-root", mqtt.DefaultTopicRoot, "MQTT topic root")
	fs.BoolVar(&o.downlink, "downlink", false, "transmit packets received from MQTT")
	fs.StringVar(&o.hostPort, "host-port", "", "serial port for the host link (empty disables it)")
	fs.IntVar(&o.hostBaud, "host-baud", hostlink.DefaultBaudRate, "host link baud rate")
	fs.StringVar(&o.dbPath, "db", "", "SQLite file for the airtime journal (empty keeps airtime in memory)")
	fs.DurationVar(&o.statsEvery, "stats", time.Minute, "interval for logging radio statistics (0 disables)")
	fs.BoolVar(&o.debug, "debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if _, err := region.ParseCode(o.region); err != nil {
		return o, err
	}
	if o.channel == "" {
		return o, errors.New("channel name must not be empty")
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

// closer is something to shut down when run returns.
type closer func() error

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	code, err := region.ParseCode(opts.region)
	if err != nil {
		return err
	}

	var cleanup []closer
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			if err := cleanup[i](); err != nil {
				logger.Warn("shutdown", "error", err)
			}
		}
	}()

	ledgerCfg := airtime.Config{Logger: logger}
	var journal *airtimedb.Journal
	if opts.dbPath != "" {
		journal, err = airtimedb.Open(airtimedb.Config{Path: opts.dbPath, Logger: logger})
		if err != nil {
			return fmt.Errorf("opening airtime journal: %w", err)
		}
		cleanup = append(cleanup, journal.Close)
		ledgerCfg.Journal = journal
	}
	ledger := airtime.New(ledgerCfg)
	if journal != nil {
		entries, err := journal.Recent(ctx)
		if err != nil {
			return fmt.Errorf("loading airtime journal: %w", err)
		}
		ledger.Restore(entries)
		logger.Info("restored airtime", "entries", len(entries), "tx_util_percent", ledger.UtilizationTXPercent())
	}

	xcvr, err := openTransceiver(ctx, opts, logger)
	if err != nil {
		return err
	}
	if c, ok := xcvr.(interface{ Close() error }); ok {
		cleanup = append(cleanup, c.Close)
	}

	packets := pool.New(pool.DefaultCapacity)
	fan := transport.NewFanout(packets, logger)
	fan.Add(transport.NewLogListener(logger))

	settings := radio.NewSettings(code, opts.txEnabled)
	r := radio.New(radio.Config{
		Transceiver:  xcvr,
		Sink:         fan,
		Pool:         packets,
		Regulatory:   settings,
		Airtime:      ledger,
		FrequencyMHz: opts.freqMHz,
		ChannelName:  opts.channel,
		TxPowerDBm:   opts.powerDBm,
		Logger:       logger,
	})
	fan.Add(cancelHeard(r, logger))

	enqueue := func(pkt *codec.MeshPacket, source transport.PacketSource) {
		if !r.Enqueue(pkt, radio.PriorityDefault, 0) {
			logger.Warn("send queue full, dropping packet", "source", source, "id", pkt.ID)
		}
	}

	var bridge *mqtt.Transport
	if opts.broker != "" {
		bridge = mqtt.New(mqtt.Config{
			Broker:    opts.broker,
			Username:  opts.mqttUser,
			Password:  opts.mqttPass,
			TopicRoot: opts.mqttRoot,
			Channel:   opts.channel,
			Downlink:  opts.downlink,
			Logger:    logger,
		})
		bridge.SetPacketHandler(enqueue)
		bridge.SetStateHandler(logStateChange(logger))
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT: %w", err)
		}
		cleanup = append(cleanup, bridge.Stop)
		fan.Add(bridge)
	}

	if opts.hostPort != "" {
		host := hostlink.New(hostlink.Config{Port: opts.hostPort, BaudRate: opts.hostBaud, Logger: logger})
		host.SetPacketHandler(enqueue)
		host.SetStateHandler(logStateChange(logger))
		if err := host.Start(ctx); err != nil {
			return fmt.Errorf("starting host link: %w", err)
		}
		cleanup = append(cleanup, host.Stop)
		fan.Add(host)
	}

	if err := r.Init(ctx); err != nil {
		return fmt.Errorf("initialising radio: %w", err)
	}
	p := r.Params()
	logger.Info("radio up",
		"region", code,
		"channel", opts.channel,
		"freq_mhz", p.FrequencyMHz,
		"power_dbm", p.TxPowerDBm,
		"tx", opts.txEnabled,
	)

	if opts.statsEvery > 0 {
		go logStats(ctx, opts.statsEvery, logger, r, ledger, bridge, journal)
	}

	err = r.Run(ctx)
	if sleepErr := r.Sleep(context.WithoutCancel(ctx)); sleepErr != nil {
		logger.Debug("radio sleep", "error", sleepErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openTransceiver(ctx context.Context, opts options, logger *slog.Logger) (radio.Transceiver, error) {
	if opts.stub {
		logger.Info("using in-memory radio")
		return stub.New(), nil
	}
	d := wioe5.New(wioe5.Config{Port: opts.port, BaudRate: opts.baud, Logger: logger})
	if err := d.Open(ctx); err != nil {
		return nil, fmt.Errorf("opening Wio-E5: %w", err)
	}
	return d, nil
}

// cancelHeard drops a queued packet once another node is heard sending it.
func cancelHeard(r *radio.Radio, logger *slog.Logger) transport.Listener {
	return transport.ListenerFunc(func(pkt *codec.MeshPacket) {
		if r.Cancel(pkt.From, pkt.ID) {
			logger.Debug("heard queued packet on air, not sending", "from", codec.NodeName(pkt.From), "id", pkt.ID)
		}
	})
}

func logStateChange(logger *slog.Logger) transport.StateHandler {
	return func(_ transport.Transport, e transport.Event) {
		logger.Info("transport state", "event", e)
	}
}

func logStats(ctx context.Context, every time.Duration, logger *slog.Logger, r *radio.Radio, ledger *airtime.Ledger, bridge *mqtt.Transport, journal *airtimedb.Journal) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s := r.Counters().Snapshot()
		attrs := []any{
			"rx_good", s.RxGood,
			"rx_bad", s.RxBad,
			"rx_forged", s.RxForged,
			"rx_unexpected", s.RxUnexpected,
			"tx_good", s.TxGood,
			"tx_failed", s.TxFailed,
			"tx_dropped", s.TxDropped,
			"tx_deferred", s.TxDeferred,
			"queue", r.QueueLen(),
			"chan_util_percent", ledger.ChannelUtilizationPercent(),
			"tx_util_percent", ledger.UtilizationTXPercent(),
		}
		if bridge != nil {
			published, dups, dropped, filtered := bridge.Stats()
			attrs = append(attrs, "mqtt_published", published, "mqtt_duplicates", dups, "mqtt_dropped", dropped, "mqtt_filtered", filtered)
		}
		logger.Info("stats", attrs...)

		if journal != nil {
			if _, err := journal.Prune(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("pruning airtime journal", "error", err)
			}
		}
	}
}
