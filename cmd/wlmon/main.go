package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asig/flashwl/internal/blockdev"
	"github.com/asig/flashwl/internal/monitor"
	"github.com/asig/flashwl/internal/wl"
)

const version = "v0.1"

// logLevelFlag implements go-flags' Unmarshaler for zerolog.Level.
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

type rootParameters struct {
	Image      string        `short:"i" long:"image" description:"Partition image to inspect" required:"true"`
	SectorSize uint32        `short:"s" long:"sector-size" description:"Device sector size, bytes" default:"4096"`
	Candidate  []string      `short:"c" long:"candidate" description:"start:size (hex) of a candidate WL region to try; repeatable. Defaults to the whole image."`
	LogLevel   logLevelFlag  `short:"l" long:"log-level" description:"Log level (trace, debug, info, warn, error, fatal, panic)" default:"info"`
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

func parseCandidates(raw []string, imageSize uint64) ([]wl.Candidate, error) {
	if len(raw) == 0 {
		return []wl.Candidate{{Name: "image", Start: 0, Size: imageSize}}, nil
	}
	candidates := make([]wl.Candidate, 0, len(raw))
	for i, spec := range raw {
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad --candidate %q: want start:size", spec)
		}
		var start, size uint64
		if _, err := fmt.Sscanf(parts[0], "0x%x", &start); err != nil {
			if _, err := fmt.Sscanf(parts[0], "%d", &start); err != nil {
				return nil, fmt.Errorf("bad --candidate start %q: %w", parts[0], err)
			}
		}
		if _, err := fmt.Sscanf(parts[1], "0x%x", &size); err != nil {
			if _, err := fmt.Sscanf(parts[1], "%d", &size); err != nil {
				return nil, fmt.Errorf("bad --candidate size %q: %w", parts[1], err)
			}
		}
		candidates = append(candidates, wl.Candidate{Name: fmt.Sprintf("candidate-%d", i), Start: start, Size: size})
	}
	return candidates, nil
}

func emitError(err error) {
	doc := monitor.ErrorDocument{Error: err.Error()}
	b, _ := json.Marshal(doc)
	fmt.Println(string(b))
}

func printSummary(doc *monitor.StatusDocument) {
	fmt.Fprintf(os.Stderr, "mode: %s\n", doc.WLMode)
	if doc.EraseCounts != nil {
		fmt.Fprintf(os.Stderr, "tracked sectors: %s\n", humanize.Comma(int64(len(doc.EraseCounts))))
	}
	if doc.Diagnostics != nil {
		fmt.Fprintf(os.Stderr, "estimated total erases: %s\n", humanize.Comma(int64(doc.Diagnostics.EstimatedTotalErases)))
	}
}

func main() {
	fmt.Fprintf(os.Stderr, "wlmon %s - wear-levelling partition monitor\n", version)

	p := flags.NewParser(rootArguments, flags.Default)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}

	initLogging(rootArguments.LogLevel.level)

	dev, err := blockdev.OpenFileDevice(rootArguments.Image, rootArguments.SectorSize, true)
	if err != nil {
		log.Error().Err(err).Msg("wlmon: can't open image")
		emitError(err)
		os.Exit(1)
	}
	defer dev.Close()

	candidates, err := parseCandidates(rootArguments.Candidate, dev.Size())
	if err != nil {
		log.Error().Err(err).Msg("wlmon: bad candidate list")
		emitError(err)
		os.Exit(1)
	}

	doc, err := monitor.GetStatus(dev, candidates)
	if err != nil {
		log.Debug().Err(err).Msg("wlmon: reconstruction failed")
		emitError(err)
		os.Exit(1)
	}

	b, err := json.Marshal(doc)
	if err != nil {
		log.Error().Err(err).Msg("wlmon: can't marshal status document")
		emitError(err)
		os.Exit(1)
	}
	fmt.Println(string(b))
	printSummary(doc)
}
