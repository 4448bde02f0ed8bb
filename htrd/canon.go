package htrd

import "strings"

// canonPath implements the CANONQPATH option (spec.md §4.8), collapsing "."
// and ".." segments and repeated slashes in a request path. Ported from
// original_source/lib/htrd.c's call into hio_canon_bcstr_path (lib/utl-str.c)
// and re-expressed with strings.Split/Join instead of in-place pointer
// rewriting.
func canonPath(p string) string {
	if p == "" {
		return p
	}

	abs := strings.HasPrefix(p, "/")
	trailingSlash := strings.HasSuffix(p, "/") && len(p) > 1

	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		switch s {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
			} else if !abs {
				out = append(out, "..")
			}
		default:
			out = append(out, s)
		}
	}

	res := strings.Join(out, "/")
	if abs {
		res = "/" + res
	}
	if trailingSlash && !strings.HasSuffix(res, "/") {
		res += "/"
	}
	if res == "" {
		if abs {
			return "/"
		}
		return "."
	}
	return res
}
