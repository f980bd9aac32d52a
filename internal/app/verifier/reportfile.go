package verifier

import (
	"os"

	"github.com/pkg/errors"
	"github.com/tidwall/sjson"
)

type reportWriter struct {
	doc []byte
	err error
}

func (w *reportWriter) set(path string, value interface{}) {
	if w.err != nil {
		return
	}
	w.doc, w.err = sjson.SetBytes(w.doc, path, value)
}

// WriteReport writes the outcome as JSON: provider, summary counts, one entry
// per consumer and one per interaction in verification order.
func WriteReport(path, provider, providerVersion string, outcome Outcome) error {
	w := &reportWriter{doc: []byte(`{}`)}
	w.set("provider.name", provider)
	w.set("provider.version", providerVersion)
	w.set("success", outcome.Success())
	w.set("summary.total", outcome.Total)
	w.set("summary.passed", outcome.Passed)
	w.set("summary.failed", outcome.Failed)
	w.set("summary.skipped", outcome.Skipped)
	w.set("consumers", []interface{}{})
	for _, consumer := range outcome.Consumers {
		w.set("consumers.-1", consumer)
	}
	w.set("interactions", []interface{}{})
	for _, result := range outcome.Results {
		w.set("interactions.-1", result)
	}
	if w.err != nil {
		return errors.Wrap(w.err, "build verification report")
	}

	if err := os.WriteFile(path, w.doc, 0o644); err != nil {
		return errors.Wrapf(err, "write verification report to %s", path)
	}
	return nil
}
