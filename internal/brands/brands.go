// Package brands loads the brand list a run works through and discovers
// brands from each source's brand directory page.
package brands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Parse reads one brand per line, skipping blanks and '#' comments and
// keeping the first occurrence of each brand.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read brands: %w", err)
	}
	return out, nil
}

// ReadFile parses the brands file at path.
func ReadFile(path string) ([]string, error) {
	// #nosec G304 -- path is operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open brands file: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return Parse(f)
}

// Units turns brand names into work units.
func Units(names []string) []harvest.WorkUnit {
	units := make([]harvest.WorkUnit, 0, len(names))
	for _, name := range names {
		units = append(units, harvest.NewWorkUnit(name))
	}
	return units
}

// Directory is one source's brand directory page.
type Directory struct {
	Source    string
	URL       string
	Extractor harvest.Extractor
}

// Discovery is the result of Discover.
type Discovery struct {
	// PerSource holds the sorted brands found on each directory.
	PerSource map[string][]string
	// Failed lists the sources whose directory could not be read.
	Failed []string
}

// Merged returns the sorted union of all sources' brands.
func (d Discovery) Merged() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range d.PerSource {
		for _, b := range list {
			if _, dup := seen[b]; dup {
				continue
			}
			seen[b] = struct{}{}
			out = append(out, b)
		}
	}
	sort.Strings(out)
	return out
}

// Discover fetches every directory concurrently. A failing source is
// logged and listed in Failed; the error return is reserved for
// cancellation.
func Discover(ctx context.Context, fetcher harvest.Fetcher, dirs []Directory, logger *zap.Logger) (Discovery, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("brands")

	var mu sync.Mutex
	result := Discovery{PerSource: make(map[string][]string, len(dirs))}
	g, gctx := errgroup.WithContext(ctx)
	for _, dir := range dirs {
		g.Go(func() error {
			found, err := discoverOne(gctx, fetcher, dir)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("brand directory failed", zap.String("source", dir.Source), zap.Error(err))
				result.Failed = append(result.Failed, dir.Source)
				return nil
			}
			logger.Info("brand directory read", zap.String("source", dir.Source), zap.Int("brands", len(found)))
			result.PerSource[dir.Source] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("discover brands: %w", err)
	}
	sort.Strings(result.Failed)
	return result, nil
}

func discoverOne(ctx context.Context, fetcher harvest.Fetcher, dir Directory) ([]string, error) {
	if dir.URL == "" || dir.Extractor == nil {
		return nil, fmt.Errorf("source %s has no brand directory configured", dir.Source)
	}
	resp, err := fetcher.Fetch(ctx, harvest.FetchRequest{
		Class:  harvest.ClassBrands,
		Source: dir.Source,
		URL:    dir.URL,
	})
	if err != nil {
		return nil, err
	}
	found, err := dir.Extractor.ParseBrandDirectory(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse brand directory: %w", err)
	}
	return found, nil
}

// Write renders a brands file: a comment header with per-source counts
// followed by the merged list, one brand per line.
func Write(w io.Writer, d Discovery) error {
	sources := make([]string, 0, len(d.PerSource))
	for s := range d.PerSource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	bw := bufio.NewWriter(w)
	merged := d.Merged()
	fmt.Fprintf(bw, "# %d brands\n", len(merged))
	for _, s := range sources {
		fmt.Fprintf(bw, "# %s: %d\n", s, len(d.PerSource[s]))
	}
	for _, b := range merged {
		fmt.Fprintln(bw, b)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write brands: %w", err)
	}
	return nil
}

// WriteFile atomically replaces path with the rendered brands file.
func WriteFile(path string, d Discovery) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".brands-*")
	if err != nil {
		return fmt.Errorf("create temp brands file: %w", err)
	}
	if err := Write(tmp, d); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp brands file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace brands file: %w", err)
	}
	return nil
}
