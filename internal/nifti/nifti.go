// Package nifti implements the minimal NIfTI-1 reading the pipeline needs:
// header geometry for field-of-view estimation and voxel decoding for ROI
// statistics. Writing is not supported; every image in the derivatives
// tree is produced by the external registration tools.
package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/fc3r-data/brainmap/internal/fsutil"
)

// HeaderSize is the fixed size of a NIfTI-1 header.
const HeaderSize = 348

// Supported datatype codes from the NIfTI-1 standard.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
)

// datatypeBits maps each supported datatype to its storage width.
var datatypeBits = map[int16]int16{
	DTUint8:   8,
	DTInt8:    8,
	DTInt16:   16,
	DTUint16:  16,
	DTInt32:   32,
	DTFloat32: 32,
	DTFloat64: 64,
}

// Header holds the geometry and storage fields the pipeline consumes.
type Header struct {
	Dim       [3]int     // voxel counts along x, y, z
	Pixdim    [3]float64 // voxel spacing along x, y, z
	Datatype  int16
	Bitpix    int16
	VoxOffset int64
	SclSlope  float64
	SclInter  float64

	order binary.ByteOrder
}

// NumVoxels returns the voxel count of one 3D volume.
func (h *Header) NumVoxels() int {
	return h.Dim[0] * h.Dim[1] * h.Dim[2]
}

// FieldOfView returns the largest physical extent across the three axes,
// in the header's spacing units: max over axes of dim*spacing.
func (h *Header) FieldOfView() float64 {
	fov := 0.0
	for i := 0; i < 3; i++ {
		if ext := float64(h.Dim[i]) * h.Pixdim[i]; ext > fov {
			fov = ext
		}
	}
	return fov
}

// Image is a decoded volume: header plus voxel values scaled to float64.
type Image struct {
	Header
	Data []float64
}

// ReadHeader reads and validates the header of a NIfTI-1 file,
// transparently decompressing gzip.
func ReadHeader(fs fsutil.FileSystem, path string) (*Header, error) {
	r, closeFn, err := openMaybeGzip(fs, path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	h, err := parseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// ReadImage reads a full volume and decodes voxel data to float64,
// applying the header's scale slope and intercept.
func ReadImage(fs fsutil.FileSystem, path string) (*Image, error) {
	r, closeFn, err := openMaybeGzip(fs, path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%s: truncated header (%d bytes)", path, len(raw))
	}
	h, err := parseHeader(raw[:HeaderSize])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	n := h.NumVoxels()
	bytesPer := int(h.Bitpix) / 8
	start := int(h.VoxOffset)
	if start < HeaderSize || start+n*bytesPer > len(raw) {
		return nil, fmt.Errorf("%s: voxel data out of range (offset %d, need %d bytes, have %d)",
			path, start, n*bytesPer, len(raw))
	}

	data, err := decodeVoxels(raw[start:start+n*bytesPer], h)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Image{Header: *h, Data: data}, nil
}

// SameGrid reports whether two headers describe the same voxel grid
// (equal dims; spacing compared with a small tolerance).
func SameGrid(a, b *Header) bool {
	const tol = 1e-5
	for i := 0; i < 3; i++ {
		if a.Dim[i] != b.Dim[i] {
			return false
		}
		d := a.Pixdim[i] - b.Pixdim[i]
		if d < -tol || d > tol {
			return false
		}
	}
	return true
}

func openMaybeGzip(fs fsutil.FileSystem, path string) (io.Reader, func() error, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Sniff the gzip magic rather than trusting the extension; the
	// registration tools occasionally emit uncompressed .nii.gz files.
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil || magic[0] != 0x1f || magic[1] != 0x8b {
		return br, f.Close, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	closeBoth := func() error {
		zr.Close()
		return f.Close()
	}
	return zr, closeBoth, nil
}

func parseHeader(raw []byte) (*Header, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("short header: %d bytes", len(raw))
	}

	// sizeof_hdr doubles as the endianness probe.
	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(raw[0:4]) != HeaderSize {
		order = binary.BigEndian
		if order.Uint32(raw[0:4]) != HeaderSize {
			return nil, fmt.Errorf("not a NIfTI-1 header (sizeof_hdr mismatch)")
		}
	}

	magic := string(raw[344:347])
	if magic != "n+1" && magic != "ni1" {
		return nil, fmt.Errorf("not a NIfTI-1 header (bad magic %q)", magic)
	}

	h := &Header{order: order}
	ndim := int(int16(order.Uint16(raw[40:42])))
	if ndim < 3 || ndim > 7 {
		return nil, fmt.Errorf("unsupported dimensionality %d", ndim)
	}
	for i := 0; i < 3; i++ {
		h.Dim[i] = int(int16(order.Uint16(raw[42+2*i : 44+2*i])))
		if h.Dim[i] <= 0 {
			return nil, fmt.Errorf("non-positive dim[%d] = %d", i+1, h.Dim[i])
		}
		h.Pixdim[i] = float64(f32(order, raw[80+4*i:84+4*i]))
	}

	h.Datatype = int16(order.Uint16(raw[70:72]))
	h.Bitpix = int16(order.Uint16(raw[72:74]))
	// The voxel bounds check sizes by bitpix while the decoder indexes by
	// datatype width, so a disagreement between the two is a hard error.
	if want, ok := datatypeBits[h.Datatype]; ok && h.Bitpix != want {
		return nil, fmt.Errorf("datatype %d implies %d-bit voxels, header declares %d", h.Datatype, want, h.Bitpix)
	}
	h.VoxOffset = int64(f32(order, raw[108:112]))
	if h.VoxOffset == 0 {
		h.VoxOffset = 352 // default for single-file .nii
	}
	h.SclSlope = float64(f32(order, raw[112:116]))
	h.SclInter = float64(f32(order, raw[116:120]))
	return h, nil
}

func decodeVoxels(raw []byte, h *Header) ([]float64, error) {
	n := h.NumVoxels()
	out := make([]float64, n)
	order := h.order

	switch h.Datatype {
	case DTUint8:
		for i := 0; i < n; i++ {
			out[i] = float64(raw[i])
		}
	case DTInt8:
		for i := 0; i < n; i++ {
			out[i] = float64(int8(raw[i]))
		}
	case DTInt16:
		for i := 0; i < n; i++ {
			out[i] = float64(int16(order.Uint16(raw[2*i : 2*i+2])))
		}
	case DTUint16:
		for i := 0; i < n; i++ {
			out[i] = float64(order.Uint16(raw[2*i : 2*i+2]))
		}
	case DTInt32:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(order.Uint32(raw[4*i : 4*i+4])))
		}
	case DTFloat32:
		for i := 0; i < n; i++ {
			out[i] = float64(f32(order, raw[4*i:4*i+4]))
		}
	case DTFloat64:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(order.Uint64(raw[8*i : 8*i+8]))
		}
	default:
		return nil, fmt.Errorf("unsupported datatype %d", h.Datatype)
	}

	// scl_slope of 0 means "no scaling" per the standard.
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		for i := range out {
			out[i] = out[i]*h.SclSlope + h.SclInter
		}
	}
	return out, nil
}

func f32(order binary.ByteOrder, b []byte) float32 {
	return math.Float32frombits(order.Uint32(b))
}
