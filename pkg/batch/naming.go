package batch

import (
	"os"
	"path/filepath"
	"strings"
)

// DevNull as output renders every input without writing anything.
const DevNull = "/dev/null"

// outputNamer derives output paths from input paths.
type outputNamer struct {
	output string
	ext    string
	dir    bool
	null   bool
}

func newOutputNamer(output, format string) outputNamer {
	n := outputNamer{output: output, ext: format}
	switch {
	case output == "":
	case strings.HasPrefix(output, DevNull):
		n.output = DevNull
		n.null = true
	case strings.HasSuffix(output, string(os.PathSeparator)):
		n.dir = true
	default:
		if fi, err := os.Stat(output); err == nil && fi.IsDir() {
			n.dir = true
		}
	}
	return n
}

// Discard reports whether results are rendered but not written.
func (n outputNamer) Discard() bool {
	return n.null
}

// Name returns the output path for input.
func (n outputNamer) Name(input string) string {
	switch {
	case n.null:
		return DevNull
	case n.output == "":
		return replaceExt(input, n.ext)
	case n.dir:
		return filepath.Join(n.output, replaceExt(filepath.Base(input), n.ext))
	default:
		return replaceExt(n.output, n.ext)
	}
}

// replaceExt swaps everything after the last dot of the base name for ext.
func replaceExt(path, ext string) string {
	base := filepath.Base(path)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		path = path[:len(path)-len(base)+i]
	}
	return path + "." + ext
}
