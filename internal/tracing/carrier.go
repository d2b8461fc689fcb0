package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/propagation"

	"github.com/CSroseX/traced-gateway/internal/httpcodec"
)

var _ propagation.TextMapCarrier = (*Carrier)(nil)

// Carrier exposes a header collection to a propagator. Reads come from a
// snapshot taken when the carrier is built; writes go to the outbound
// headers, replacing any earlier value of the field.
type Carrier struct {
	values map[string]string
	out    http.Header
}

// NewCarrier snapshots in for extraction and sets injected fields on out.
// Either may be nil.
func NewCarrier(in, out http.Header) *Carrier {
	values := make(map[string]string, len(in))
	for name, vv := range in {
		if len(vv) == 0 {
			continue
		}
		values[http.CanonicalHeaderKey(name)] = vv[0]
	}
	return &Carrier{values: values, out: out}
}

// RequestCarrier reads the request's headers and injects back into them.
func RequestCarrier(req *httpcodec.Request) *Carrier {
	return NewCarrier(req.Header, req.Header)
}

func (c *Carrier) Get(key string) string {
	return c.values[http.CanonicalHeaderKey(key)]
}

func (c *Carrier) Set(key, value string) {
	if c.out == nil {
		return
	}
	c.out.Set(key, value)
}

func (c *Carrier) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}
