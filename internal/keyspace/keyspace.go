// Package keyspace canonicalizes domain identifiers into the strings used as
// MetaStore keys and BlobStore paths. Every function here is pure: no I/O, no
// clock, no randomness, so the same input always yields the same output.
package keyspace

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/lapig-ufg/tiles/internal/model"
)

const maxVisParamLen = 64

var sepRe = regexp.MustCompile(`\s*([:=])\s*`)

// MosaicKeyString renders a model.MosaicKey into its canonical MetaStore key.
// Format: "<layer>:<period>:<year>[:<month>]:vp=<visparam>:f=<fingerprint>"
func MosaicKeyString(mk model.MosaicKey) string {
	layer := sanitize(string(mk.Layer))
	period := sanitize(string(mk.Period))
	vp := sanitizeVisParam(mk.VisParam)

	var b strings.Builder
	fmt.Fprintf(&b, "%s:%s:%d", layer, period, mk.Year)
	if mk.Period == model.PeriodMonth {
		fmt.Fprintf(&b, ":%02d", mk.Month)
	}
	fmt.Fprintf(&b, ":vp=%s:f=%016x", vp, fingerprint(mk.VisParam))
	return b.String()
}

// TileKeyString renders a model.TileKey into its canonical MetaStore key: the
// owning mosaic key with the tile coordinate appended.
func TileKeyString(tk model.TileKey) string {
	return fmt.Sprintf("%s:%d:%d:%d", MosaicKeyString(tk.Mosaic), tk.Z, tk.X, tk.Y)
}

// BlobPath renders a model.TileKey into the object-store path its encoded PNG
// is stored under. Distinct from MosaicKeyString: object stores favor
// hierarchical paths over flat keys so prefixes can be listed and purged.
func BlobPath(tk model.TileKey) string {
	mk := tk.Mosaic
	layer := sanitize(string(mk.Layer))
	period := sanitize(string(mk.Period))
	vp := sanitizeVisParam(mk.VisParam)

	parts := []string{layer, period, strconv.Itoa(mk.Year)}
	if mk.Period == model.PeriodMonth {
		parts = append(parts, fmt.Sprintf("%02d", mk.Month))
	}
	parts = append(parts, vp,
		strconv.Itoa(tk.Z), strconv.Itoa(tk.X), fmt.Sprintf("%d.png", tk.Y))
	return strings.Join(parts, "/")
}

// ParseBlobPath inverts BlobPath: given a path BlobPath produced, it
// recovers the TileKey that produced it. It is not a general parser for
// arbitrary strings — layer round-trips because sanitize is the identity
// function on its closed enum values, period round-trips because sanitize
// lowercases it and parsePeriod upper-cases it back, and visparam round-trips
// because the registry only ever hands BlobPath already-sanitized names.
// ParseBlobPath(BlobPath(k)) == k holds for every valid k.
func ParseBlobPath(path string) (model.TileKey, bool) {
	parts := strings.Split(path, "/")

	var withMonth bool
	switch len(parts) {
	case 7:
		withMonth = false
	case 8:
		withMonth = true
	default:
		return model.TileKey{}, false
	}

	layer, ok := parseLayer(parts[0])
	if !ok {
		return model.TileKey{}, false
	}
	period, ok := parsePeriod(parts[1])
	if !ok {
		return model.TileKey{}, false
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return model.TileKey{}, false
	}

	idx := 3
	month := 0
	if withMonth {
		if period != model.PeriodMonth {
			return model.TileKey{}, false
		}
		month, err = strconv.Atoi(parts[3])
		if err != nil {
			return model.TileKey{}, false
		}
		idx = 4
	} else if period == model.PeriodMonth {
		return model.TileKey{}, false
	}

	visparam := parts[idx]
	z, err := strconv.Atoi(parts[idx+1])
	if err != nil {
		return model.TileKey{}, false
	}
	x, err := strconv.Atoi(parts[idx+2])
	if err != nil {
		return model.TileKey{}, false
	}
	yName := parts[idx+3]
	if !strings.HasSuffix(yName, ".png") {
		return model.TileKey{}, false
	}
	y, err := strconv.Atoi(strings.TrimSuffix(yName, ".png"))
	if err != nil {
		return model.TileKey{}, false
	}

	return model.TileKey{
		Mosaic: model.MosaicKey{
			Layer:    layer,
			Period:   period,
			Year:     year,
			Month:    month,
			VisParam: visparam,
		},
		Z: z, X: x, Y: y,
	}, true
}

func parseLayer(s string) (model.Layer, bool) {
	switch model.Layer(s) {
	case model.LayerS2Harmonized, model.LayerLandsat:
		return model.Layer(s), true
	default:
		return "", false
	}
}

func parsePeriod(s string) (model.Period, bool) {
	switch model.Period(strings.ToUpper(s)) {
	case model.PeriodWet:
		return model.PeriodWet, true
	case model.PeriodDry:
		return model.PeriodDry, true
	case model.PeriodMonth:
		return model.PeriodMonth, true
	default:
		return "", false
	}
}

// MosaicPrefix renders the BlobStore path prefix shared by every tile of a
// mosaic: the same segments BlobPath uses, without the z/x/y suffix. Used by
// JobEngine's invalidate jobs to drop every cached tile for a mosaic in one
// DeletePrefix call.
func MosaicPrefix(mk model.MosaicKey) string {
	layer := sanitize(string(mk.Layer))
	period := sanitize(string(mk.Period))
	vp := sanitizeVisParam(mk.VisParam)

	parts := []string{layer, period, strconv.Itoa(mk.Year)}
	if mk.Period == model.PeriodMonth {
		parts = append(parts, fmt.Sprintf("%02d", mk.Month))
	}
	parts = append(parts, vp)
	return strings.Join(parts, "/") + "/"
}

// fingerprint bounds key length for arbitrarily-long visparam names the way
// the teacher bounds filter text: a truncated, sanitized prefix plus a
// content hash so truncation never causes two distinct inputs to collide.
func fingerprint(s string) uint64 {
	return xxhash.Sum64String(s)
}

func sanitizeVisParam(s string) string {
	safe := sanitize(s)
	if len(safe) > maxVisParamLen {
		safe = safe[:maxVisParamLen]
	}
	return safe
}

// sanitize maps a free-form identifier onto the charset safe for both
// MetaStore keys and object-store path segments, collapsing runs of
// separators so that no two adjacent sanitized runs are ambiguous.
func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return strings.ToLower(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || unicode.IsDigit(r)
}
