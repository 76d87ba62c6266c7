package datacube

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cubebackend/raster"
)

// FromDir seeds a MemoryCube from a directory tree:
//
//	<root>/products.json                   a []Product listing
//	<root>/<platform>/<product>/<ts>.grid  one acquisition per file,
//	                                       ts in RFC3339 with ':' as '_'
//
// Acquisition files use the raster codec.
func FromDir(root string) (*MemoryCube, error) {
	pb, err := os.ReadFile(filepath.Join(root, "products.json"))
	if err != nil {
		return nil, fmt.Errorf("read products.json: %w", err)
	}
	var products []Product
	if err := json.Unmarshal(pb, &products); err != nil {
		return nil, fmt.Errorf("parse products.json: %w", err)
	}

	cube := NewMemoryCube()
	for _, p := range products {
		cube.AddProduct(p)
		dir := filepath.Join(root, p.Platform, p.Name)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".grid") {
				continue
			}
			stamp := strings.ReplaceAll(strings.TrimSuffix(e.Name(), ".grid"), "_", ":")
			at, err := time.Parse(time.RFC3339, stamp)
			if err != nil {
				return nil, fmt.Errorf("acquisition filename %q: %w", e.Name(), err)
			}
			ds, err := raster.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("load acquisition %q: %w", e.Name(), err)
			}
			if err := cube.AddAcquisition(p.Platform, p.Name, at, ds); err != nil {
				return nil, err
			}
		}
	}
	return cube, nil
}
