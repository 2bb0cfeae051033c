/*
Package netblock holds sets of IPv4 address ranges. Ranges are supplied as strings in one of three
forms: a plain address, a CIDR netblock or a LOWIP-HIGHIP pair. Internally everything is a sorted
list of inclusive uint32 intervals; output is produced as CIDR netblocks.
*/
package netblock

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// ErrBadCIDR distinguishes the specific failure of a CIDR whose start address is not aligned to
// the block boundary. Callers who want to accept such "odd" CIDRs use AddOddCIDR instead.
var ErrBadCIDR = errors.New("CIDR start IP is not properly aligned")

// lenMask returns the netmask for a given prefix length. A shift count of 32 gives zero which is
// exactly right for a /0.
func lenMask(length int) uint32 {
	return 0xffffffff << (32 - uint(length))
}

// cidrRange returns the low and high addresses covered by addr/length.
func cidrRange(addr uint32, length int) (uint32, uint32) {
	m := lenMask(length)
	low := addr & m
	return low, low + ^m
}

// strToIP converts a dotted-quad string to numeric form. Short addresses such as "127.0" are only
// acceptable in CIDR context so the caller says how many octets are mandatory.
func strToIP(ipstr string, min int) (uint32, error) {
	octets := strings.Split(ipstr, ".")
	if len(octets) > 4 || len(octets) < min {
		return 0, errors.New("invalid number of IP octets")
	}
	var res uint32
	for _, o := range octets {
		v, err := strconv.Atoi(o)
		if err != nil || v < 0 || v > 255 {
			return 0, errors.New("invalid IP octet")
		}
		res = res<<8 + uint32(v)
	}
	res <<= 8 * uint(4-len(octets)) // Omitted trailing octets are zero

	return res, nil
}

// StrToIP converts a full dotted-quad string to numeric form.
func StrToIP(ipstr string) (uint32, error) {
	return strToIP(ipstr, 4)
}

// IPStr converts an IP number back to dotted-quad form.
func IPStr(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip>>24, (ip>>16)&0xff, (ip>>8)&0xff, ip&0xff)
}

func cidrToStr(ip uint32, length int) string {
	if length == 32 {
		return IPStr(ip)
	}
	return fmt.Sprintf("%s/%d", IPStr(ip), length)
}

func convCIDR(cstr string, strict bool) (uint32, uint32, error) {
	pos := strings.IndexByte(cstr, '/')
	ip, err := strToIP(cstr[:pos], 1)
	if err != nil {
		return 0, 0, err
	}
	size, err := strconv.Atoi(cstr[pos+1:])
	if err != nil {
		return 0, 0, errors.New("invalid CIDR size")
	}
	if size < 0 || size > 32 {
		return 0, 0, errors.New("CIDR size not in 0 to 32")
	}
	low, high := cidrRange(ip, size)
	if strict && low != ip {
		return 0, 0, fmt.Errorf("%w: %s", ErrBadCIDR, cstr)
	}

	return low, high, nil
}

func convRange(s string) (uint32, uint32, error) {
	pos := strings.IndexByte(s, '-')
	low, err := strToIP(s[:pos], 4)
	if err != nil {
		return 0, 0, err
	}
	high, err := strToIP(s[pos+1:], 4)
	if err != nil {
		return 0, 0, err
	}
	if low > high {
		return 0, 0, errors.New("IP range has start larger than end")
	}

	return low, high, nil
}

// Convert parses any of the three accepted string forms into an inclusive low-high pair. The
// three forms cannot be confused for each other so no hinting is needed. 'strict' controls
// whether a CIDR must start on its block boundary.
func Convert(s string, strict bool) (uint32, uint32, error) {
	switch {
	case strings.ContainsRune(s, '/'):
		return convCIDR(s, strict)
	case strings.ContainsRune(s, '-'):
		return convRange(s)
	default:
		ip, err := strToIP(s, 4)
		return ip, ip, err
	}
}

// fMaxLen finds the longest CIDR block (smallest prefix length) which can start at ip, based on
// its lowest set bit.
func fMaxLen(ip uint32) int {
	tz := bits.TrailingZeros32(ip)
	return 32 - tz // tz is 32 for ip == 0, giving a /0
}

// lhCIDRs decomposes an inclusive range into the minimal list of aligned CIDR blocks.
func lhCIDRs(lip, hip uint32, out []string) []string {
	for lip <= hip {
		lb := fMaxLen(lip)
		var lt, ht uint32
		for lb <= 32 {
			lt, ht = cidrRange(lip, lb)
			if lt == lip && ht <= hip {
				break
			}
			lb++
		}
		out = append(out, cidrToStr(lip, lb))
		if ht == 0xffffffff {
			break
		}
		lip = ht + 1
	}

	return out
}

type span struct {
	low, high uint32 // Inclusive
}

// IPRanges is a set of IPv4 address ranges. The zero value is an empty set ready for use. It is
// not safe for concurrent mutation but the usual pattern is build-once, query-forever.
type IPRanges struct {
	spans []span // Sorted, non-overlapping, non-adjacent
}

// Add parses and inserts any of the accepted string forms.
func (t *IPRanges) Add(val string) error {
	low, high, err := Convert(val, true)
	if err != nil {
		return err
	}
	t.AddRange(low, high)

	return nil
}

// AddOddCIDR inserts a CIDR without insisting that its start address be aligned.
func (t *IPRanges) AddOddCIDR(val string) error {
	low, high, err := Convert(val, false)
	if err != nil {
		return err
	}
	t.AddRange(low, high)

	return nil
}

// Remove parses and deletes any of the accepted string forms.
func (t *IPRanges) Remove(val string) error {
	low, high, err := Convert(val, true)
	if err != nil {
		return err
	}
	t.DelRange(low, high)

	return nil
}

// AddRange inserts an inclusive numeric range, merging any ranges it overlaps or abuts.
func (t *IPRanges) AddRange(low, high uint32) {
	var out []span
	ix := 0
	for ; ix < len(t.spans); ix++ {
		s := t.spans[ix]
		if s.high != 0xffffffff && s.high+1 < low { // Entirely below, not even adjacent
			out = append(out, s)
			continue
		}
		if high != 0xffffffff && s.low > high+1 { // Entirely above
			break
		}
		if s.low < low {
			low = s.low
		}
		if s.high > high {
			high = s.high
		}
	}
	out = append(out, span{low, high})
	out = append(out, t.spans[ix:]...)
	t.spans = out
}

// DelRange removes an inclusive numeric range, splitting any range it punches a hole in.
func (t *IPRanges) DelRange(low, high uint32) {
	var out []span
	for _, s := range t.spans {
		if s.high < low || s.low > high { // No overlap
			out = append(out, s)
			continue
		}
		if s.low < low {
			out = append(out, span{s.low, low - 1})
		}
		if s.high > high {
			out = append(out, span{high + 1, s.high})
		}
	}
	t.spans = out
}

// Contains reports whether the set holds the numeric address.
func (t *IPRanges) Contains(ip uint32) bool {
	lo, hi := 0, len(t.spans)
	for lo < hi {
		mid := (lo + hi) / 2
		s := t.spans[mid]
		switch {
		case ip < s.low:
			hi = mid
		case ip > s.high:
			lo = mid + 1
		default:
			return true
		}
	}

	return false
}

// ContainsStr is Contains for a dotted-quad string.
func (t *IPRanges) ContainsStr(ipstr string) (bool, error) {
	ip, err := StrToIP(ipstr)
	if err != nil {
		return false, err
	}

	return t.Contains(ip), nil
}

// Len returns the number of distinct ranges held.
func (t *IPRanges) Len() int {
	return len(t.spans)
}

// ToCIDRs converts the set to a list of CIDR netblock strings.
func (t *IPRanges) ToCIDRs() []string {
	var out []string
	for _, s := range t.spans {
		out = lhCIDRs(s.low, s.high, out)
	}

	return out
}

func (t *IPRanges) String() string {
	parts := make([]string, 0, len(t.spans))
	for _, s := range t.spans {
		if s.low == s.high {
			parts = append(parts, IPStr(s.low))
		} else {
			parts = append(parts, IPStr(s.low)+"-"+IPStr(s.high))
		}
	}

	return "<IPRanges: " + strings.Join(parts, " ") + ">"
}
