// Package config implements the two config surfaces spec.md §6 names: a
// line-oriented directive file (`pfc.blocksize N`, `throttle.byterate R`,
// ...) parsed the way the original XrdOucEnv-style config object reads its
// own directive file, and a small YAML bootstrap file the cmd/ binaries
// use to pick which directive file, TLS material, and log settings to
// load (mirroring the teacher's AgentConfig/ServerConfig pattern).
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ChecksumMode is one of spec.md §4.12's four checksum policies.
type ChecksumMode string

const (
	ChecksumOff   ChecksumMode = "off"
	ChecksumCache ChecksumMode = "cache"
	ChecksumNet   ChecksumMode = "net"
	ChecksumTLS   ChecksumMode = "tls"
)

// DiskUsage holds the `pfc.diskusage` directive's watermarks and optional
// file-count/purge-cadence sub-options.
type DiskUsage struct {
	LowWatermark  float64 // fraction of total space, 0..1
	HighWatermark float64
	FilesB        int64 // file-count low bound, 0 = unset
	FilesN        int64 // file-count high bound
	FilesM        int64 // minimum files kept regardless of usage
	PurgeInterval time.Duration
	// PurgeColdA/P: files older than A are weighted by P in the LRU purge
	// score (spec.md §4.12's "purge cold files" policy).
	PurgeColdA time.Duration
	PurgeColdP float64
}

// WriteQueue holds `pfc.writequeue`: dirty-block queue depth and writer
// thread count.
type WriteQueue struct {
	Depth   int
	Threads int
}

// ChecksumPolicy holds `pfc.cschk`: the active modes plus an optional
// uvkeep expiry for files whose checksum was never verified.
type ChecksumPolicy struct {
	Modes      []ChecksumMode
	UVKeepLRU  bool
	UVKeepTime time.Duration
}

// Spaces holds `pfc.spaces`: the OSS space names backing cached data and
// cinfo metadata.
type Spaces struct {
	Data string
	Meta string
}

// Throttle holds the `throttle.*` family (C13).
type Throttle struct {
	ByteRate     int64
	OpRate       int64
	Concurrency  int
	Interval     time.Duration
	LoadShedHost string
	LoadShedFreq float64
}

// Directives is the parsed form of the pfc.*/throttle.* directive file.
type Directives struct {
	BlockSize     int64
	RAM           int64
	DiskUsage     DiskUsage
	Prefetch      int
	WriteQueue    WriteQueue
	Checksum      ChecksumPolicy
	Spaces        Spaces
	TraceLevel    string
	Throttle      Throttle
}

// Defaults returns the directive set spec.md §4.12/§4.13 call out as
// defaults when a directive file omits a keyword.
func Defaults() Directives {
	return Directives{
		BlockSize: 1 << 20, // 1 MiB
		RAM:       1 << 30, // 1 GiB
		DiskUsage: DiskUsage{
			LowWatermark:  0.80,
			HighWatermark: 0.90,
			PurgeInterval: 300 * time.Second,
		},
		Prefetch:   10,
		WriteQueue: WriteQueue{Depth: 1000, Threads: 4},
		Checksum:   ChecksumPolicy{Modes: []ChecksumMode{ChecksumOff}},
		Spaces:     Spaces{Data: "data", Meta: "meta"},
		TraceLevel: "info",
		Throttle: Throttle{
			Interval: 1 * time.Second,
		},
	}
}

// ParseDirectives scans path one keyword-per-line, overlaying onto
// Defaults(). Blank lines and lines starting with '#' are ignored, the
// same as the original directive file's comment convention.
func ParseDirectives(path string) (Directives, error) {
	f, err := os.Open(path)
	if err != nil {
		return Directives{}, fmt.Errorf("config: opening directive file: %w", err)
	}
	defer f.Close()
	return ParseDirectivesFrom(f)
}

func ParseDirectivesFrom(r io.Reader) (Directives, error) {
	d := Defaults()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return Directives{}, fmt.Errorf("config: line %d: directive %q needs at least one argument", lineNo, line)
		}
		if err := applyDirective(&d, fields[0], fields[1:]); err != nil {
			return Directives{}, fmt.Errorf("config: line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return Directives{}, fmt.Errorf("config: scanning directive file: %w", err)
	}
	if err := d.validate(); err != nil {
		return Directives{}, err
	}
	return d, nil
}

func applyDirective(d *Directives, keyword string, args []string) error {
	switch keyword {
	case "pfc.blocksize":
		n, err := ParseByteSize(args[0])
		if err != nil {
			return fmt.Errorf("pfc.blocksize: %w", err)
		}
		d.BlockSize = n
	case "pfc.ram":
		n, err := ParseByteSize(args[0])
		if err != nil {
			return fmt.Errorf("pfc.ram: %w", err)
		}
		d.RAM = n
	case "pfc.diskusage":
		return parseDiskUsage(d, args)
	case "pfc.prefetch":
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("pfc.prefetch: %w", err)
		}
		d.Prefetch = n
	case "pfc.writequeue":
		if len(args) < 2 {
			return fmt.Errorf("pfc.writequeue needs depth and thread count")
		}
		depth, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("pfc.writequeue depth: %w", err)
		}
		threads, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("pfc.writequeue threads: %w", err)
		}
		d.WriteQueue = WriteQueue{Depth: depth, Threads: threads}
	case "pfc.cschk":
		return parseChecksum(d, args)
	case "pfc.spaces":
		if len(args) < 2 {
			return fmt.Errorf("pfc.spaces needs data and meta space names")
		}
		d.Spaces = Spaces{Data: args[0], Meta: args[1]}
	case "pfc.trace":
		d.TraceLevel = args[0]
	case "throttle.byterate":
		n, err := ParseByteSize(args[0])
		if err != nil {
			return fmt.Errorf("throttle.byterate: %w", err)
		}
		d.Throttle.ByteRate = n
	case "throttle.oprate":
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("throttle.oprate: %w", err)
		}
		d.Throttle.OpRate = n
	case "throttle.concurrency":
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("throttle.concurrency: %w", err)
		}
		d.Throttle.Concurrency = n
	case "throttle.interval":
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("throttle.interval: %w", err)
		}
		d.Throttle.Interval = time.Duration(n) * time.Second
	case "throttle.loadshed":
		if len(args) < 2 {
			return fmt.Errorf("throttle.loadshed needs host:port and frequency")
		}
		freq, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("throttle.loadshed frequency: %w", err)
		}
		d.Throttle.LoadShedHost = args[0]
		d.Throttle.LoadShedFreq = freq
	default:
		return fmt.Errorf("unrecognized directive %q", keyword)
	}
	return nil
}

// parseDiskUsage handles `pfc.diskusage L H [files B N M] [purgeinterval S]
// [purgecoldfiles A P]` per spec.md §6.
func parseDiskUsage(d *Directives, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("pfc.diskusage needs at least L and H")
	}
	lwm, err := parseFraction(args[0])
	if err != nil {
		return fmt.Errorf("pfc.diskusage L: %w", err)
	}
	hwm, err := parseFraction(args[1])
	if err != nil {
		return fmt.Errorf("pfc.diskusage H: %w", err)
	}
	d.DiskUsage.LowWatermark = lwm
	d.DiskUsage.HighWatermark = hwm

	rest := args[2:]
	for len(rest) > 0 {
		switch rest[0] {
		case "files":
			if len(rest) < 4 {
				return fmt.Errorf("pfc.diskusage files needs B N M")
			}
			b, err1 := strconv.ParseInt(rest[1], 10, 64)
			n, err2 := strconv.ParseInt(rest[2], 10, 64)
			m, err3 := strconv.ParseInt(rest[3], 10, 64)
			if err1 != nil || err2 != nil || err3 != nil {
				return fmt.Errorf("pfc.diskusage files: invalid B/N/M")
			}
			d.DiskUsage.FilesB, d.DiskUsage.FilesN, d.DiskUsage.FilesM = b, n, m
			rest = rest[4:]
		case "purgeinterval":
			if len(rest) < 2 {
				return fmt.Errorf("pfc.diskusage purgeinterval needs a value")
			}
			s, err := strconv.Atoi(rest[1])
			if err != nil {
				return fmt.Errorf("pfc.diskusage purgeinterval: %w", err)
			}
			d.DiskUsage.PurgeInterval = time.Duration(s) * time.Second
			rest = rest[2:]
		case "purgecoldfiles":
			if len(rest) < 3 {
				return fmt.Errorf("pfc.diskusage purgecoldfiles needs A and P")
			}
			a, err1 := strconv.Atoi(rest[1])
			p, err2 := strconv.ParseFloat(rest[2], 64)
			if err1 != nil || err2 != nil {
				return fmt.Errorf("pfc.diskusage purgecoldfiles: invalid A/P")
			}
			d.DiskUsage.PurgeColdA = time.Duration(a) * time.Second
			d.DiskUsage.PurgeColdP = p
			rest = rest[3:]
		default:
			return fmt.Errorf("pfc.diskusage: unrecognized sub-option %q", rest[0])
		}
	}
	return nil
}

// parseFraction accepts either a 0..1 fraction or a percentage ("85" and
// "85%" both mean 0.85), the two spellings the diskusage directive allows.
func parseFraction(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, err
	}
	if f > 1 {
		f = f / 100
	}
	return f, nil
}

func parseChecksum(d *Directives, args []string) error {
	var modes []ChecksumMode
	i := 0
	for ; i < len(args); i++ {
		switch args[i] {
		case "off", "cache", "net", "tls":
			modes = append(modes, ChecksumMode(args[i]))
		case "uvkeep":
			i++
			if i >= len(args) {
				return fmt.Errorf("pfc.cschk uvkeep needs a value")
			}
			if args[i] == "lru" {
				d.Checksum.UVKeepLRU = true
			} else {
				secs, err := strconv.Atoi(args[i])
				if err != nil {
					return fmt.Errorf("pfc.cschk uvkeep: %w", err)
				}
				d.Checksum.UVKeepTime = time.Duration(secs) * time.Second
			}
		default:
			return fmt.Errorf("pfc.cschk: unrecognized token %q", args[i])
		}
	}
	if len(modes) > 0 {
		d.Checksum.Modes = modes
	}
	return nil
}

func (d Directives) validate() error {
	if d.BlockSize < 4096 || d.BlockSize > 512<<20 || d.BlockSize%4096 != 0 {
		return fmt.Errorf("config: pfc.blocksize must be a multiple of 4KiB in [4KiB, 512MiB], got %d", d.BlockSize)
	}
	if d.DiskUsage.LowWatermark >= d.DiskUsage.HighWatermark {
		return fmt.Errorf("config: pfc.diskusage LWM (%.3f) must be < HWM (%.3f)", d.DiskUsage.LowWatermark, d.DiskUsage.HighWatermark)
	}
	return nil
}

// ParseByteSize converts a human-readable size ("256mb", "1gb", "4096") to
// bytes, longest-suffix-first so "mb" isn't mistaken for "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"tb", 1 << 40},
		{"gb", 1 << 30},
		{"mb", 1 << 20},
		{"kb", 1 << 10},
		{"b", 1},
	}
	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
