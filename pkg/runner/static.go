package runner

import "context"

func init() {
	Register("static", newStaticRunner)
}

// staticRunner answers every query with a fixed payload. Useful for local
// development and for exercising the dispatch pipeline without a real
// backend.
type staticRunner struct {
	payload []byte
}

func newStaticRunner(options string) (Runner, error) {
	payload := []byte(options)
	if options == "" {
		payload = []byte(`{"columns":[],"rows":[]}`)
	}
	return &staticRunner{payload: payload}, nil
}

func (r *staticRunner) Run(ctx context.Context, query string) ([]byte, string) {
	if err := ctx.Err(); err != nil {
		return nil, err.Error()
	}
	return r.payload, ""
}
