// Command lidar-grab binds an RPLIDAR scanner on a serial port, checks its
// health, and writes the latest angle-ordered sweep to lidar.csv (and stdout)
// about once a second until interrupted.
//
// Usage:
//
//	lidar-grab [flags] [port-path] [baud-rate]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/csrubin/buckeyeville-lidar/internal/fsutil"
	"github.com/csrubin/buckeyeville-lidar/internal/grabber"
	"github.com/csrubin/buckeyeville-lidar/internal/monitoring"
	"github.com/csrubin/buckeyeville-lidar/internal/rplidar"
	"github.com/csrubin/buckeyeville-lidar/internal/serialport"
	"github.com/csrubin/buckeyeville-lidar/internal/sink"
	"github.com/csrubin/buckeyeville-lidar/internal/sweepdb"
	"github.com/csrubin/buckeyeville-lidar/internal/timeutil"
	"github.com/csrubin/buckeyeville-lidar/internal/version"
)

var (
	outFile     = flag.String("out", sink.DefaultCSVPath, "CSV file rewritten with the latest sweep")
	interval    = flag.Duration("interval", grabber.DefaultInterval, "Pause between fetch cycles")
	grabTimeout = flag.Duration("timeout", 2*time.Second, "How long to wait for one revolution")
	motorMode   = flag.String("motor", "auto", "Motor control: auto, dtr, or pwm")
	dbFile      = flag.String("db", "", "Record every sweep to this SQLite database (disabled when empty)")
	plotFile    = flag.String("plot", "", "Render the latest sweep to this PNG file (disabled when empty)")
	quiet       = flag.Bool("quiet", false, "Do not mirror samples to stdout")
	verbose     = flag.Bool("verbose", false, "Log skipped fetch cycles and per-sweep statistics")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// exitAllocFailure is returned when the driver or an output cannot be set up.
const exitAllocFailure = -2

type config struct {
	args        []string
	outFile     string
	interval    time.Duration
	grabTimeout time.Duration
	motor       string
	dbFile      string
	plotFile    string
	quiet       bool
}

// env carries the process-level collaborators so tests can replace them.
type env struct {
	opener    serialport.Opener
	fs        fsutil.FileSystem
	stdout    io.Writer
	clock     timeutil.Clock
	listPorts func() ([]serialport.PortInfo, error)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [port-path] [baud-rate]\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Default port %s; without a baud rate, %v are tried in order.\n\n",
			grabber.DefaultPort, grabber.DefaultBaudRates)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, config{
		args:        flag.Args(),
		outFile:     *outFile,
		interval:    *interval,
		grabTimeout: *grabTimeout,
		motor:       *motorMode,
		dbFile:      *dbFile,
		plotFile:    *plotFile,
		quiet:       *quiet,
	}, env{
		opener:    serialport.NewRealOpener(),
		fs:        fsutil.OSFileSystem{},
		stdout:    os.Stdout,
		clock:     timeutil.RealClock{},
		listPorts: serialport.ListPorts,
	})
	stop()
	os.Exit(code)
}

// run returns the process exit code: exitAllocFailure when setup cannot
// allocate what it needs, 0 otherwise. Bind and health failures are reported
// on stderr and still exit 0.
func run(ctx context.Context, cfg config, e env) int {
	target := grabber.NewTarget(cfg.args)

	motor, err := rplidar.ParseMotorControl(cfg.motor)
	if err != nil {
		log.Printf("invalid -motor: %v", err)
		return exitAllocFailure
	}
	drv, err := rplidar.New(e.opener, rplidar.Options{
		GrabTimeout: cfg.grabTimeout,
		Motor:       motor,
		Clock:       e.clock,
	})
	if err != nil {
		log.Printf("insufficient resources to create the lidar driver: %v", err)
		return exitAllocFailure
	}

	var sinks []grabber.Sink
	csvSink, err := sink.NewCSVFile(e.fs, cfg.outFile)
	if err != nil {
		log.Printf("cannot prepare output: %v", err)
		return exitAllocFailure
	}
	sinks = append(sinks, csvSink)
	if !cfg.quiet {
		sinks = append(sinks, sink.NewConsole(e.stdout))
	}
	if cfg.plotFile != "" {
		plotSink, err := sink.NewPlot(e.fs, cfg.plotFile)
		if err != nil {
			log.Printf("cannot prepare plot output: %v", err)
			return exitAllocFailure
		}
		sinks = append(sinks, plotSink)
	}

	var db *sweepdb.DB
	if cfg.dbFile != "" {
		db, err = sweepdb.Open(cfg.dbFile)
		if err != nil {
			log.Printf("cannot open sweep database: %v", err)
			return exitAllocFailure
		}
		defer db.Close()
	}

	log.Printf("%s: binding %s", version.String(), target)
	sess, info, err := grabber.Negotiate(ctx, target, drv,
		grabber.WithInterval(cfg.interval),
		grabber.WithClock(e.clock),
	)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.Printf("interrupted while binding %s", target.Port())
			return 0
		}
		if !errors.Is(err, grabber.ErrCannotBind) {
			log.Printf("cannot set up scan session: %v", err)
			return exitAllocFailure
		}
		log.Printf("Error, %v", err)
		logAvailablePorts(e.listPorts)
		return 0
	}
	defer sess.Close()

	if !cfg.quiet {
		fmt.Fprintf(e.stdout, "LIDAR S/N: %s\n", info.SerialNumber())
		fmt.Fprintf(e.stdout, "Firmware Ver: %s\nHardware Rev: %d\n", info.FirmwareString(), info.HardwareVersion)
	}

	health, err := sess.CheckHealth(ctx)
	if err != nil {
		log.Printf("Error, %v", err)
		return 0
	}
	if !cfg.quiet {
		fmt.Fprintf(e.stdout, "Lidar health status : %d\n", health.Status)
	}

	if db != nil {
		rec, err := sweepdb.NewRecorder(ctx, db, sess.Port(), sess.BaudRate(), info, e.clock)
		if err != nil {
			log.Printf("sweep recording disabled: %v", err)
		} else {
			defer rec.Close()
			sinks = append(sinks, rec)
		}
	}

	if err := sess.Run(ctx, sink.NewMulti(sinks...)); err != nil {
		log.Printf("Error, cannot start the scan operation: %v", err)
		return 0
	}
	st := sess.Stats()
	log.Printf("stopped: %d sweeps written", st.Sweeps)
	return 0
}

func logAvailablePorts(list func() ([]serialport.PortInfo, error)) {
	if list == nil {
		return
	}
	ports, err := list()
	if err != nil {
		monitoring.Debugf("%v", err)
		return
	}
	if len(ports) == 0 {
		log.Printf("no serial ports found")
		return
	}
	for _, p := range ports {
		log.Printf("available port: %s", p)
	}
}
