package fastcgi

import "strconv"

// Capabilities answers the inbound GetValues management record with a
// GetValuesResult built from these implementation-defined values.
type Capabilities struct {
	MaxConns  int
	MaxReqs   int
	MpxsConns bool
}

const (
	varMaxConns  = "FCGI_MAX_CONNS"
	varMaxReqs   = "FCGI_MAX_REQS"
	varMpxsConns = "FCGI_MPXS_CONNS"
)

// Answer builds the GetValuesResult body for the subset of q.Names this
// package knows how to answer. Unrecognized names are silently omitted,
// matching common FastCGI client behavior of only asking for names it
// understands.
func (c Capabilities) Answer(q GetValuesBody) GetValuesResultBody {
	var pairs []NameValue
	for _, name := range q.Names {
		switch string(name) {
		case varMaxConns:
			pairs = append(pairs, NameValue{Name: name, Value: []byte(strconv.Itoa(c.MaxConns))})
		case varMaxReqs:
			pairs = append(pairs, NameValue{Name: name, Value: []byte(strconv.Itoa(c.MaxReqs))})
		case varMpxsConns:
			v := "0"
			if c.MpxsConns {
				v = "1"
			}
			pairs = append(pairs, NameValue{Name: name, Value: []byte(v)})
		}
	}
	return GetValuesResultBody{Pairs: pairs}
}
