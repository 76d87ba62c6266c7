package raster

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// File format: magic, a length-prefixed JSON header describing dimensions and
// band order, then each band's float64 little-endian payload. Self-describing
// and append-free, so chunk artifacts and the final array output share it.
const codecMagic = "DCGRID1\n"

type codecHeader struct {
	Times []time.Time `json:"times"`
	Lats  []float64   `json:"lats"`
	Lons  []float64   `json:"lons"`
	Bands []string    `json:"bands"`
}

// Write serializes the dataset.
func Write(w io.Writer, d *Dataset) error {
	if err := d.validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(codecMagic); err != nil {
		return err
	}
	hdr := codecHeader{Times: d.Times, Lats: d.Lats, Lons: d.Lons, Bands: bandNames(d)}
	hb, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(hb))); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, name := range hdr.Bands {
		for _, v := range d.Bands[name] {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Read parses a dataset written by Write.
func Read(r io.Reader) (*Dataset, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(codecMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != codecMagic {
		return nil, fmt.Errorf("not a gridded dataset file")
	}
	var hlen uint32
	if err := binary.Read(br, binary.LittleEndian, &hlen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	hb := make([]byte, hlen)
	if _, err := io.ReadFull(br, hb); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var hdr codecHeader
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	d := New(hdr.Times, hdr.Lats, hdr.Lons, hdr.Bands...)
	buf := make([]byte, 8)
	for _, name := range hdr.Bands {
		vals := d.Bands[name]
		for i := range vals {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("read band %q: %w", name, err)
			}
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		}
	}
	return d, nil
}

// WriteFile writes the dataset to path, creating parent directories.
func WriteFile(path string, d *Dataset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, d); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a dataset from path.
func ReadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
