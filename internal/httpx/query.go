package httpx

import (
	"net/url"

	"github.com/matst80/wsrelay/internal/proto"
)

// FromQuery converts parsed query parameters to the wire map.
func FromQuery(q url.Values) proto.Values {
	out := make(proto.Values, len(q))
	for k, vs := range q {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// ApplyQuery merges q into u's query string. Multi-valued entries are
// appended as repeated keys; single values replace whatever u already had.
func ApplyQuery(u *url.URL, q proto.Values) {
	if len(q) == 0 {
		return
	}
	vals := u.Query()
	for _, k := range q.Keys() {
		vs := q[k]
		if len(vs) == 1 {
			vals.Set(k, vs[0])
			continue
		}
		for _, v := range vs {
			vals.Add(k, v)
		}
	}
	u.RawQuery = vals.Encode()
}
