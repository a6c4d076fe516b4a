// Command latd runs the LAT Frontend: it ingests distance readings from a
// radio location server, fuses them into tag position estimates, forwards
// estimates to a downstream backend, and persists everything to an
// experiment store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/lat-frontend/latd/internal/config"
	"github.com/lat-frontend/latd/internal/db"
	"github.com/lat-frontend/latd/internal/distfilter"
	"github.com/lat-frontend/latd/internal/engine/particlefilter"
	"github.com/lat-frontend/latd/internal/engine/pdfgrid"
	"github.com/lat-frontend/latd/internal/errormodel"
	"github.com/lat-frontend/latd/internal/eventloop"
	"github.com/lat-frontend/latd/internal/geo"
	"github.com/lat-frontend/latd/internal/groundtruth"
	"github.com/lat-frontend/latd/internal/locmod"
	"github.com/lat-frontend/latd/internal/monitoring"
	"github.com/lat-frontend/latd/internal/operator"
	"github.com/lat-frontend/latd/internal/posfilter"
	"github.com/lat-frontend/latd/internal/serialmux"
	"github.com/lat-frontend/latd/internal/sink"
	"github.com/lat-frontend/latd/internal/timeutil"
	"github.com/lat-frontend/latd/internal/version"
)

var (
	configFile   = flag.String("config", "lat.conf", "path to the main configuration file")
	locmodFile   = flag.String("locmod", "locmod.conf", "path to the locmod configuration file")
	workDir      = flag.String("dir", ".", "working directory (configuration files and the experiment store are relative to this; -log-file is not)")
	dbPathFlag   = flag.String("db-path", "experiments.db", "path to the experiment store SQLite file")
	listenFlag   = flag.String("listen", ":9393", "operator-event socket listen address")
	logLevel     = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFile      = flag.String("log-file", "", "path to a log file; empty logs to stderr")
	locationPort = flag.Int("location-port", 0, "override the configured LocationServer port (0 = use config)")
	latPort      = flag.Int("lat-port", 0, "override the configured LatServer port (0 = use config)")
	versionFlag  = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("open log file %s: %v", *logFile, err)
		}
		defer f.Close()
		log.SetOutput(f)
		monitoring.SetLogger(log.Printf)
	}

	if *versionFlag {
		fmt.Printf("latd v%s (git SHA: %s)\n", version.Version, version.GitSHA)
		os.Exit(0)
	}

	if flag.NArg() > 0 {
		switch subcommand := flag.Arg(0); subcommand {
		case "version":
			fmt.Printf("latd v%s\ngit SHA: %s\n", version.Version, version.GitSHA)
			return
		case "migrate":
			migrateFlags := flag.NewFlagSet("migrate", flag.ExitOnError)
			migrateDBPath := migrateFlags.String("db-path", *dbPathFlag, "path to the experiment store SQLite file")
			if err := migrateFlags.Parse(flag.Args()[1:]); err != nil {
				log.Fatalf("parse migrate flags: %v", err)
			}
			db.RunMigrateCommand(migrateFlags.Args(), *migrateDBPath)
			return
		case "store":
			storeArgs := flag.Args()[1:]
			if len(storeArgs) == 0 || storeArgs[0] != "combine" {
				log.Fatalf("usage: latd store combine -out <path> <src.db> [<src.db> ...]")
			}
			combineFlags := flag.NewFlagSet("store combine", flag.ExitOnError)
			combineOut := combineFlags.String("out", "combined.db", "path to the destination experiment store (created if it doesn't exist)")
			if err := combineFlags.Parse(storeArgs[1:]); err != nil {
				log.Fatalf("parse store combine flags: %v", err)
			}
			if combineFlags.NArg() == 0 {
				log.Fatalf("store combine: at least one source database is required")
			}
			if err := runStoreCombine(*combineOut, combineFlags.Args()); err != nil {
				log.Fatalf("store combine: %v", err)
			}
			return
		default:
			log.Fatalf("unknown subcommand: %s", subcommand)
		}
	}

	if err := os.Chdir(*workDir); err != nil {
		log.Fatalf("working directory %s: %v", *workDir, err)
	}

	if err := run(); err != nil {
		log.Fatalf("latd: %v", err)
	}
}

// runStoreCombine merges one or more experiment stores into dst, creating it
// if necessary, wrapping db.Combine (spec.md C.5, grounded on
// original_source/combine_experiments.py).
func runStoreCombine(dstPath string, srcPaths []string) error {
	dst, err := db.NewDB(dstPath)
	if err != nil {
		return fmt.Errorf("open destination %s: %w", dstPath, err)
	}
	defer dst.Close()

	srcs := make([]*db.DB, 0, len(srcPaths))
	defer func() {
		for _, s := range srcs {
			s.Close()
		}
	}()
	for _, path := range srcPaths {
		src, err := db.OpenDB(path)
		if err != nil {
			return fmt.Errorf("open source %s: %w", path, err)
		}
		srcs = append(srcs, src)
	}

	if err := db.Combine(dst, srcs); err != nil {
		return fmt.Errorf("combine: %w", err)
	}
	log.Printf("combined %d experiment stores into %s", len(srcs), dstPath)
	return nil
}

func run() error {
	mainCfg, err := config.LoadMainFile(*configFile)
	if err != nil {
		if _, ok := err.(*config.MultiError); !ok {
			return fmt.Errorf("load config %s: %w", *configFile, err)
		}
		log.Printf("config: %v", err)
	}
	if len(mainCfg.Anchors) == 0 {
		return fmt.Errorf("config %s declares no anchors", *configFile)
	}

	locmodCfg, err := config.LoadLocmodFile(*locmodFile)
	if err != nil {
		if _, ok := err.(*config.MultiError); !ok {
			return fmt.Errorf("load locmod config %s: %w", *locmodFile, err)
		}
		log.Printf("locmod config: %v", err)
	}

	store, err := db.NewDB(*dbPathFlag)
	if err != nil {
		return fmt.Errorf("open experiment store: %w", err)
	}
	defer store.Close()

	for id, pt := range mainCfg.Anchors {
		if err := store.AddAnchor(id, pt.X, pt.Y); err != nil {
			log.Printf("register anchor %d: %v", id, err)
		}
	}

	configurationID, err := store.RegisterConfiguration(*configFile, mainCfg.Text, *locmodFile, locmodCfg.Text)
	if err != nil {
		return fmt.Errorf("register configuration: %w", err)
	}

	wallClock := timeutil.NewVirtualClock(timeutil.RealClock{})
	db.SetClock(wallClock.Now)
	operator.SetClock(wallClock.Now)

	lm := buildLocmod(mainCfg, locmodCfg, wallClock)
	tracker := groundtruth.New(store)

	refPoints := make(map[string]groundtruth.ReferencePoint, len(mainCfg.References))
	refOrder := make([]string, 0, len(mainCfg.References))
	for _, r := range mainCfg.References {
		refPoints[r.Name] = groundtruth.ReferencePoint{Name: r.Name, Point: r.Point}
		refOrder = append(refOrder, r.Name)
	}
	tagOrder := append([]uint32(nil), mainCfg.TagIDs...)

	locationHost, locationPortNum := mainCfg.LocationServerHost, mainCfg.LocationServerPort
	if *locationPort != 0 {
		locationPortNum = *locationPort
	}
	latHost, latPortNum := mainCfg.LatServerHost, mainCfg.LatServerPort
	if *latPort != 0 {
		latPortNum = *latPort
	}

	pub, err := sink.Dial(latHost, latPortNum)
	if err != nil {
		return fmt.Errorf("connect to backend server: %w", err)
	}
	defer pub.Close()

	loop := eventloop.New(store, lm, tracker, pub, refPoints, refOrder, tagOrder, configurationID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDistanceSource(ctx, locationHost, locationPortNum, mainCfg.Anchors, loop); err != nil {
		return fmt.Errorf("connect to location server: %w", err)
	}
	if err := runOperatorSocket(ctx, *listenFlag, loop); err != nil {
		return fmt.Errorf("listen on operator socket %s: %w", *listenFlag, err)
	}

	log.Printf("latd v%s running (log level %s)", version.Version, *logLevel)
	return loop.Run(ctx)
}

func buildLocmod(mainCfg *config.Main, locmodCfg *config.Locmod, clock *timeutil.VirtualClock) *locmod.Locmod {
	df := distfilter.New(distfilterMode(locmodCfg.DistanceFilter.GetMode()), clock)
	pf := posfilter.New(posfilterMode(locmodCfg.PositionFilter.GetMode()), clock, locmodCfg.PositionFilter.GetUpdateRate(), locmodCfg.PositionFilter.GetMaxAge())

	// No directive in the configuration grammar loads an offline-calibrated
	// error histogram, so the uniform model is used until one is added.
	model := errormodel.Uniform{}

	var engine locmod.Engine
	switch locmodCfg.EngineType {
	case "ParticleFilter":
		engine = particlefilter.New(mainCfg.Anchors, model, clock,
			particlefilter.WithParticleCount(locmodCfg.ParticleFilter.GetParticleCount()),
			particlefilter.WithDiscardRatio(locmodCfg.ParticleFilter.GetDiscardRatio()),
		)
	default: // LocationEnginePDF and anything unrecognised fall back to the PDF grid.
		engine = locmod.WrapPDFGrid(pdfgrid.New(mainCfg.Anchors, model, locmodCfg.LocationEngine.GetEdgeLength()))
	}

	return locmod.New(mainCfg.Anchors, df, engine, pf)
}

func distfilterMode(name string) distfilter.Mode {
	switch name {
	case "medianfilter":
		return distfilter.MedianFilter
	case "null":
		return distfilter.Null
	default:
		return distfilter.MostRecent
	}
}

func posfilterMode(name string) posfilter.Mode {
	switch name {
	case "median":
		return posfilter.Median
	case "mean":
		return posfilter.Mean
	default:
		return posfilter.MostRecent
	}
}

// runDistanceSource dials the radio location server, performs the
// INIT/START/MODE handshake (spec §6), and forwards every subsequent line
// onto the event loop's distance-line channel until ctx is cancelled.
//
// The TCP connection is multiplexed through serialmux.SerialMux, the same
// subscribe/monitor abstraction the teacher used for its serial ports: a
// net.Conn satisfies SerialPorter just as well as a physical port does, and
// Initialize/Monitor already implement exactly the handshake and streaming
// this distance source needs.
func runDistanceSource(ctx context.Context, host string, port int, anchors map[uint32]geo.Point, loop *eventloop.Loop) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}

	mux := serialmux.NewSerialMux[net.Conn](conn)

	anchorIDs := make([]uint32, 0, len(anchors))
	for id := range anchors {
		anchorIDs = append(anchorIDs, id)
	}
	if err := mux.Initialize(anchorIDs); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	_, subCh := mux.Subscribe()
	lineCh := loop.DistanceLines()
	go func() {
		for line := range subCh {
			select {
			case lineCh <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := mux.Monitor(ctx); err != nil && ctx.Err() == nil {
			monitoring.Logf("distance source: monitor: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		mux.Close()
	}()

	return nil
}

// runOperatorSocket listens for operator connections and forwards accepted
// connections onto the event loop's accept channel until ctx is cancelled.
func runOperatorSocket(ctx context.Context, listen string, loop *eventloop.Loop) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	accepts := loop.Accepts()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			select {
			case accepts <- operator.NewNetConn(conn):
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	return nil
}
