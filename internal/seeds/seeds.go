// Package seeds reads seed lists and loads them into the frontier.
package seeds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/JakeFAU/focused-crawler/internal/frontier"
)

// Inserter is the slice of the frontier that seeding needs.
type Inserter interface {
	Insert(ctx context.Context, rawURL string, score float64, depth int) (frontier.InsertOutcome, error)
}

// ReadFile reads one URL per line from path.
func ReadFile(path string) ([]string, error) {
	// #nosec G304 -- the seed path is operator supplied.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seeds: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads one URL per line. Blank lines and lines starting with # are skipped.
func Parse(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	return urls, nil
}

// Load inserts urls at depth 0 with the given score and reports how many landed in each outcome.
// Invalid URLs are counted as rejected; only persistence failures abort the load.
func Load(ctx context.Context, f Inserter, urls []string, score float64) (map[frontier.InsertOutcome]int, error) {
	counts := make(map[frontier.InsertOutcome]int)
	for _, u := range urls {
		outcome, err := f.Insert(ctx, u, score, 0)
		if err != nil {
			return counts, fmt.Errorf("insert seed %s: %w", u, err)
		}
		counts[outcome]++
	}
	return counts, nil
}
