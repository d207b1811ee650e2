package analyzer

import (
	"context"
	"log"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParseFiles parses every trace concurrently and merges the results in the
// order of paths. Per-category sequences are concatenated file by file, so
// sample order is chronological within a file only. The first failing file
// cancels the rest and no aggregate is returned.
func ParseFiles(ctx context.Context, paths []string, opts Options, jobs int) (*Aggregate, error) {
	if len(paths) == 0 {
		return NewAggregate(), nil
	}
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	// 结果按索引存放，各 goroutine 互不冲突
	results := make([]*Aggregate, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(jobs, len(paths)))
	for i, path := range paths {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			agg, err := ParseFile(path, opts)
			if err != nil {
				return err
			}
			results[i] = agg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := Merge(results...)
	log.Printf("Merged %d traces: %d exits", len(paths), merged.Exits)
	return merged, nil
}
