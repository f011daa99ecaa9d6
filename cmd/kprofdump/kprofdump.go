// Command kprofdump reads a serialized task-accounting snapshot and emits
// a standard gzip-compressed pprof profile, so the runtime's per-task
// accounting can be inspected with `go tool pprof` like any other Go
// profile. The snapshot format is a simple newline-delimited
// "name usersec userusec syssec sysusec" text table, deliberately plain
// since it is produced by kernel-side code with no JSON/gob encoder
// available, not by another Go program.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"eduos/accnt"
	"eduos/profile"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <snapshot-file> <out.pb.gz>\n", os.Args[0])
		os.Exit(1)
	}
	in, out := os.Args[1], os.Args[2]

	samples, err := readSnapshot(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kprofdump:", err)
		os.Exit(1)
	}

	p := profile.Build(samples)

	f, err := os.Create(out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kprofdump:", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := p.Write(f); err != nil {
		fmt.Fprintln(os.Stderr, "kprofdump:", err)
		os.Exit(1)
	}
}

// readSnapshot parses the plain-text accounting table: one task per line,
// fields "name usersec userusec syssec sysusec" separated by whitespace.
func readSnapshot(path string) ([]profile.TaskSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var samples []profile.TaskSample
	sc := bufio.NewScanner(f)
	for lineNum := 1; sc.Scan(); lineNum++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("line %d: expected 5 fields, got %d", lineNum, len(fields))
		}
		us, err := parseSec(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: usersec: %w", lineNum, err)
		}
		uu, err := parseSec(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: userusec: %w", lineNum, err)
		}
		ss, err := parseSec(fields[3])
		if err != nil {
			return nil, fmt.Errorf("line %d: syssec: %w", lineNum, err)
		}
		su, err := parseSec(fields[4])
		if err != nil {
			return nil, fmt.Errorf("line %d: sysusec: %w", lineNum, err)
		}
		samples = append(samples, profile.TaskSample{
			Name: fields[0],
			Usage: accnt.Rusage{
				UserSec: us, UserUsec: uu,
				SysSec: ss, SysUsec: su,
			},
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func parseSec(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
