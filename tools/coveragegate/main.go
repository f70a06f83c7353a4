// Command coveragegate fails CI when the iothub coverage profile drops
// below the agreed floors.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

type coverage struct {
	covered int
	total   int
}

func (c coverage) percent() float64 {
	if c.total == 0 {
		return 0
	}
	return float64(c.covered) * 100 / float64(c.total)
}

func (c *coverage) add(other coverage) {
	c.covered += other.covered
	c.total += other.total
}

// fileGroup holds files that share a floor.
type fileGroup struct {
	name  string
	files []string
	floor float64
}

// Files without network I/O are expected to be covered almost entirely.
var logicFiles = []string{
	"iothub/budget.go",
	"iothub/cbs.go",
	"iothub/delivery_tag.go",
	"iothub/errors.go",
	"iothub/feedback.go",
	"iothub/message.go",
	"iothub/outcome.go",
	"iothub/retry_strategy.go",
	"iothub/internal/clock/clock.go",
	"iothub/internal/sas/sas.go",
}

var ioFiles = []string{
	"iothub/connection_manager.go",
	"iothub/link_factory.go",
	"iothub/links.go",
	"iothub/managed_resource.go",
	"iothub/message_sender.go",
	"iothub/receiver.go",
	"iothub/token_refresh.go",
	"iothub/transport.go",
}

// parseProfile sums statement coverage per file from a "go test
// -coverprofile" file. Blocks listed twice, as with -coverpkg, count once.
func parseProfile(reader io.Reader) (map[string]coverage, error) {
	type block struct {
		statements int
		hit        bool
	}
	blocks := map[string]block{}
	scanner := bufio.NewScanner(reader)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "mode:") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want 3 fields, got %d", line, len(fields))
		}
		statements, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: statement count: %w", line, err)
		}
		hits, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: hit count: %w", line, err)
		}
		previous := blocks[fields[0]]
		blocks[fields[0]] = block{statements: statements, hit: previous.hit || hits > 0}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	files := map[string]coverage{}
	for position, entry := range blocks {
		fileName, _, ok := strings.Cut(position, ":")
		if !ok {
			continue
		}
		total := files[fileName]
		total.total += entry.statements
		if entry.hit {
			total.covered += entry.statements
		}
		files[fileName] = total
	}
	return files, nil
}

func lookup(files map[string]coverage, suffix string) (coverage, bool) {
	for fileName, fileCoverage := range files {
		if strings.HasSuffix(fileName, "/"+suffix) || fileName == suffix {
			return fileCoverage, true
		}
	}
	return coverage{}, false
}

// evaluate returns the aggregate and one line per violated floor.
func evaluate(files map[string]coverage, overallFloor float64, groups []fileGroup) (coverage, []string) {
	var total coverage
	for _, fileCoverage := range files {
		total.add(fileCoverage)
	}
	var failures []string
	if total.percent()+1e-9 < overallFloor {
		failures = append(failures, fmt.Sprintf("aggregate coverage %.1f%% is below %.1f%%", total.percent(), overallFloor))
	}
	for _, group := range groups {
		for _, fileName := range group.files {
			fileCoverage, ok := lookup(files, fileName)
			if !ok {
				failures = append(failures, fmt.Sprintf("%s file %s is missing from the profile", group.name, fileName))
				continue
			}
			if fileCoverage.percent()+1e-9 < group.floor {
				failures = append(failures, fmt.Sprintf("%s file %s is %.1f%% (required %.1f%%)",
					group.name, fileName, fileCoverage.percent(), group.floor))
			}
		}
	}
	sort.Strings(failures)
	return total, failures
}

func main() {
	profilePath := pflag.String("profile", "coverage.out", "path to go coverage profile")
	overallFloor := pflag.Float64("overall", 85, "minimum aggregate coverage percentage")
	logicFloor := pflag.Float64("logic", 95, "minimum coverage for files without network I/O")
	ioFloor := pflag.Float64("io", 80, "minimum coverage for connection and link files")
	pflag.Parse()

	file, err := os.Open(*profilePath) // #nosec G304 -- path is operator input
	if err != nil {
		fmt.Fprintf(os.Stderr, "coverage gate: %v\n", err)
		os.Exit(1)
	}
	files, err := parseProfile(file)
	_ = file.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coverage gate: %s: %v\n", *profilePath, err)
		os.Exit(1)
	}

	total, failures := evaluate(files, *overallFloor, []fileGroup{
		{name: "logic", files: logicFiles, floor: *logicFloor},
		{name: "io", files: ioFiles, floor: *ioFloor},
	})
	fmt.Printf("aggregate: %.1f%% (%d/%d)\n", total.percent(), total.covered, total.total)
	if len(failures) == 0 {
		fmt.Println("coverage gate: PASS")
		return
	}
	fmt.Println("coverage gate: FAIL")
	for _, failure := range failures {
		fmt.Printf("- %s\n", failure)
	}
	os.Exit(2)
}
