package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// prefixFilter hides metric families of an inner gatherer whose name starts with
// one of the configured prefixes. Families of the banctl namespace are always kept.
type prefixFilter struct {
	inner    prometheus.Gatherer
	prefixes []string
}

func newPrefixFilter(inner prometheus.Gatherer, prefixes []string) prefixFilter {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return prefixFilter{inner: inner, prefixes: cleaned}
}

func (f prefixFilter) dropped(name string) bool {
	if strings.HasPrefix(name, namespace+"_") {
		return false
	}
	return slices.ContainsFunc(f.prefixes, func(p string) bool {
		return strings.HasPrefix(name, p)
	})
}

func (f prefixFilter) Gather() ([]*io_prometheus_client.MetricFamily, error) {
	families, err := f.inner.Gather()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(families, func(mf *io_prometheus_client.MetricFamily) bool {
		return f.dropped(mf.GetName())
	}), nil
}
