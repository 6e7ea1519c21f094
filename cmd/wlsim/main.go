package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asig/flashwl/internal/simulator"
	"github.com/asig/flashwl/internal/wl"
)

const version = "v0.1"

// logLevelFlag implements go-flags' Unmarshaler for zerolog.Level, the
// same idiom cmd/wlmon uses.
type logLevelFlag struct {
	level zerolog.Level
}

func (f *logLevelFlag) UnmarshalFlag(value string) error {
	level, err := zerolog.ParseLevel(strings.ToLower(value))
	if err != nil {
		return err
	}
	f.level = level
	return nil
}

// rootParameters carries the named flags (simulated geometry, RNG seed, log
// level) alongside the positional arguments. The workload itself is chosen
// only by the positional arguments (or the single "test" form); there are
// no named flags for it.
type rootParameters struct {
	SectorSize uint32       `long:"sector-size" description:"Simulated sector size, bytes" default:"4096"`
	FullMemSize uint32      `long:"full-mem-size" description:"Simulated partition size, bytes" default:"1048576"`
	PageSize   uint32       `long:"page-size" description:"Simulated page size, bytes" default:"4096"`
	WrSize     uint32       `long:"wr-size" description:"Position-update slot size, bytes" default:"16"`
	Updaterate uint32       `long:"updaterate" description:"Erases between rotations" default:"16"`
	Seed       int64        `long:"seed" description:"RNG seed; 0 picks a time-derived seed" default:"0"`
	LogLevel   logLevelFlag `short:"l" long:"log-level" description:"Log level (trace, debug, info, warn, error, fatal, panic)" default:"info"`

	Args struct {
		Positional []string `positional-arg-name:"ARGS"`
	} `positional-args:"yes"`
}

var rootArguments = &rootParameters{LogLevel: logLevelFlag{level: zerolog.InfoLevel}}

func initLogging(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.
		New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    false,
		}).
		With().Timestamp().Caller().
		Logger()
}

func defaultConfig(p *rootParameters) wl.Config {
	cfg := wl.Config{
		FullMemSize:  p.FullMemSize,
		PageSize:     p.PageSize,
		SectorSize:   p.SectorSize,
		Updaterate:   p.Updaterate,
		WrSize:       p.WrSize,
		Version:      1,
		TempBuffSize: p.PageSize,
	}
	return cfg
}

func runSelfTest(cfg wl.Config, seed int64) int {
	g, err := wl.Resolve(cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsim: bad geometry: %v\n", err)
		return 1
	}
	rng := rand.New(rand.NewSource(seed))
	keys := [3]uint8{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256))}
	if err := simulator.FeistelSelfTest(g.SectorCount, keys); err != nil {
		fmt.Fprintf(os.Stderr, "wlsim: self-test failed: %v\n", err)
		return 1
	}
	fmt.Println("test PASSED")
	return 0
}

func run(positional []string, p *rootParameters) int {
	if len(positional) == 1 && positional[0] == "test" {
		seed := p.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return runSelfTest(defaultConfig(p), seed)
	}

	if len(positional) != 5 {
		fmt.Fprintln(os.Stderr, "usage: wlsim <feistel:f|b> <addr_dist:c|z> <block_dist:c|z> <max_block:int> <restart_per_mille:int>")
		fmt.Fprintln(os.Stderr, "       wlsim test")
		return 2
	}

	feistelEnabled, err := parseFeistel(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsim: %v\n", err)
		return 2
	}
	addrDist, err := parseAddrDist(positional[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsim: %v\n", err)
		return 2
	}
	blockDist, err := parseBlockDist(positional[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsim: %v\n", err)
		return 2
	}
	maxBlock, err := strconv.ParseUint(positional[3], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsim: bad max_block %q: %v\n", positional[3], err)
		return 2
	}
	restartPerMille, err := strconv.Atoi(positional[4])
	if err != nil {
		fmt.Fprintf(os.Stderr, "wlsim: bad restart_per_mille %q: %v\n", positional[4], err)
		return 2
	}

	cfg := defaultConfig(p)
	g, err := wl.Resolve(cfg, feistelEnabled)
	if err != nil {
		log.Error().Err(err).Msg("wlsim: bad geometry")
		return 1
	}

	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	sim, err := simulator.New(g, feistelEnabled, addrDist, blockDist, uint32(maxBlock), restartPerMille, rng)
	if err != nil {
		log.Error().Err(err).Msg("wlsim: can't build simulator")
		return 1
	}

	result := sim.Run()
	fmt.Printf("NE %.4f cycle_walks %d restarted %d\n", result.NE, result.CycleWalks, result.Restarted)
	fmt.Fprintf(os.Stderr, "feistel calls: %s\n", humanize.Comma(int64(result.FeistelCalls)))
	log.Debug().
		Uint32("min", result.Min).
		Uint32("max", result.Max).
		Float64("mean", result.Mean).
		Float64("variance", result.Variance).
		Uint64("feistel_calls", result.FeistelCalls).
		Msg("wlsim: run complete")
	return 0
}

func parseFeistel(s string) (bool, error) {
	switch s {
	case "f":
		return true, nil
	case "b":
		return false, nil
	default:
		return false, fmt.Errorf("bad feistel selector %q: want f or b", s)
	}
}

func parseAddrDist(s string) (simulator.AddrDist, error) {
	switch s {
	case "c":
		return simulator.AddrConstant, nil
	case "z":
		return simulator.AddrZipf, nil
	default:
		return 0, fmt.Errorf("bad addr_dist %q: want c or z", s)
	}
}

func parseBlockDist(s string) (simulator.BlockDist, error) {
	switch s {
	case "c":
		return simulator.BlockConstant, nil
	case "z":
		return simulator.BlockZipf, nil
	default:
		return 0, fmt.Errorf("bad block_dist %q: want c or z", s)
	}
}

func main() {
	fmt.Fprintf(os.Stderr, "wlsim %s - wear-levelling workload simulator\n", version)

	p := flags.NewParser(rootArguments, flags.Default)
	if _, err := p.Parse(); err != nil {
		os.Exit(2)
	}
	initLogging(rootArguments.LogLevel.level)

	os.Exit(run(rootArguments.Args.Positional, rootArguments))
}
