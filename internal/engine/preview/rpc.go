package preview

import (
	"bufio"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// rpcSidecars lists the sidecar names tried for an image, in order.
var rpcSidecars = [...]string{"%s_RPC.TXT", "%s_rpc.txt", "%s_RPC.txt"}

var errNoSidecar = errors.New("no RPC sidecar")

// findSidecar returns the RPC text file that accompanies image.
func findSidecar(image string) (string, error) {
	dir := filepath.Dir(image)
	stem := strings.TrimSuffix(filepath.Base(image), filepath.Ext(image))
	for _, pattern := range rpcSidecars {
		candidate := filepath.Join(dir, fmt.Sprintf(pattern, stem))
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}
	return "", errNoSidecar
}

// readRPCOffsets parses the geodetic offsets of an RPC00B text file. The
// offsets are the centre of the image footprint: longitude and latitude in
// degrees and height in metres above the ellipsoid.
func readRPCOffsets(path string) (r3.Vec, error) {
	f, err := os.Open(path)
	if err != nil {
		return r3.Vec{}, err
	}
	defer f.Close()

	wanted := map[string]*float64{}
	var pos r3.Vec
	wanted["LONG_OFF"] = &pos.X
	wanted["LAT_OFF"] = &pos.Y
	wanted["HEIGHT_OFF"] = &pos.Z

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		target, ok := wanted[strings.ToUpper(strings.TrimSpace(key))]
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return r3.Vec{}, fmt.Errorf("%s: empty value for %s", path, strings.TrimSpace(key))
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return r3.Vec{}, fmt.Errorf("%s: parse %s: %w", path, strings.TrimSpace(key), err)
		}
		*target = v
		delete(wanted, strings.ToUpper(strings.TrimSpace(key)))
	}
	if err := scanner.Err(); err != nil {
		return r3.Vec{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(wanted) > 0 {
		missing := slices.Sorted(maps.Keys(wanted))
		return r3.Vec{}, fmt.Errorf("%s: missing %s", path, strings.Join(missing, ", "))
	}
	return pos, nil
}
