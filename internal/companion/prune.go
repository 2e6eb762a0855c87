package companion

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Filter is a set of label selectors. A value of "" matches any value.
type Filter map[string]string

// ParseFilter reads a URL-query encoded protocol line such as
// "label=org.sandpit%3Dtrue&label=org.sandpit.sessionId%3Dabc".
func ParseFilter(line string) (Filter, error) {
	q, err := url.ParseQuery(line)
	if err != nil {
		return nil, err
	}
	f := Filter{}
	for _, l := range q["label"] {
		k, v, _ := strings.Cut(l, "=")
		f[k] = v
	}
	return f, nil
}

// Key is a canonical representation used for de-duplication.
func (f Filter) Key() string {
	return strings.Join(f.Selectors(), "&")
}

// Selectors returns "key=value" or "key" items, sorted.
func (f Filter) Selectors() []string {
	out := make([]string, 0, len(f))
	for k, v := range f {
		if v == "" {
			out = append(out, k)
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Report counts removed resources.
type Report struct {
	Containers int
	Networks   int
	Volumes    int
	Images     int
}

func (r Report) Add(o Report) Report {
	return Report{
		Containers: r.Containers + o.Containers,
		Networks:   r.Networks + o.Networks,
		Volumes:    r.Volumes + o.Volumes,
		Images:     r.Images + o.Images,
	}
}

// Pruner removes resources matching a filter.
type Pruner interface {
	RemoveContainers(ctx context.Context, f Filter) (int, error)
	PruneNetworks(ctx context.Context, f Filter) (int, error)
	PruneVolumes(ctx context.Context, f Filter) (int, error)
	PruneImages(ctx context.Context, f Filter) (int, error)
}

// PruneAll removes containers first so that networks, volumes and images are
// no longer in use, then prunes those concurrently.
func PruneAll(ctx context.Context, p Pruner, f Filter) (Report, error) {
	var r Report
	n, err := p.RemoveContainers(ctx, f)
	r.Containers = n
	if err != nil {
		return r, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := p.PruneNetworks(gctx, f)
		r.Networks = n
		return err
	})
	g.Go(func() error {
		n, err := p.PruneVolumes(gctx, f)
		r.Volumes = n
		return err
	})
	g.Go(func() error {
		n, err := p.PruneImages(gctx, f)
		r.Images = n
		return err
	})
	err = g.Wait()
	return r, err
}
