package lease

import (
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
)

// PortPair is a workflow's live-status (primary) and preview (secondary)
// port.
type PortPair struct {
	Primary   int `json:"primary"`
	Secondary int `json:"secondary"`
}

func (p PortPair) String() string {
	return fmt.Sprintf("%d/%d", p.Primary, p.Secondary)
}

// Range is the block of ports leases are drawn from: offset k maps to
// (PrimaryBase+k, SecondaryBase+k) for k in [0, Span).
type Range struct {
	PrimaryBase   int
	SecondaryBase int
	Span          int
}

// DefaultRange is 9100-9199 paired with 9200-9299.
var DefaultRange = Range{PrimaryBase: 9100, SecondaryBase: 9200, Span: 100}

// Validate rejects empty or overlapping ranges.
func (r Range) Validate() error {
	if r.Span <= 0 {
		return fmt.Errorf("port span must be positive, got %d", r.Span)
	}
	for _, base := range []int{r.PrimaryBase, r.SecondaryBase} {
		if base <= 0 || base+r.Span-1 > 65535 {
			return fmt.Errorf("port range %d-%d out of bounds", base, base+r.Span-1)
		}
	}
	lo, hi := r.PrimaryBase, r.SecondaryBase
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo+r.Span > hi {
		return fmt.Errorf("primary and secondary port ranges overlap (%d and %d, span %d)", r.PrimaryBase, r.SecondaryBase, r.Span)
	}
	return nil
}

// PreferredOffset maps a workflow id to a stable offset in [0, span).
func PreferredOffset(workflowID string, span int) int {
	if span <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(workflowID))
	return int(h.Sum32() % uint32(span))
}

// Pair returns the port pair at offset.
func (r Range) Pair(offset int) PortPair {
	return PortPair{Primary: r.PrimaryBase + offset, Secondary: r.SecondaryBase + offset}
}

// Preferred returns the pair a workflow gets when nothing collides.
func (r Range) Preferred(workflowID string) PortPair {
	return r.Pair(PreferredOffset(workflowID, r.Span))
}

// Candidates lists every pair in scan order: the preferred pair first, then
// forward through the range, wrapping once.
func (r Range) Candidates(workflowID string) []PortPair {
	start := PreferredOffset(workflowID, r.Span)
	out := make([]PortPair, 0, r.Span)
	for k := 0; k < r.Span; k++ {
		out = append(out, r.Pair((start+k)%r.Span))
	}
	return out
}

// Contains reports whether p is a pair of this range.
func (r Range) Contains(p PortPair) bool {
	off := p.Primary - r.PrimaryBase
	return off >= 0 && off < r.Span && p.Secondary == r.SecondaryBase+off
}

// Prober checks whether a TCP port can be bound on this host.
type Prober interface {
	Available(port int) bool
}

// TCPProber probes by binding and immediately closing a listener.
type TCPProber struct {
	Host string // defaults to 127.0.0.1
}

func (p TCPProber) Available(port int) bool {
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
