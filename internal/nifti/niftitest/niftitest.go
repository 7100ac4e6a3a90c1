// Package niftitest builds minimal NIfTI-1 byte streams for tests. The
// production pipeline never writes NIfTI files itself, so the encoder
// lives here rather than in the nifti package.
package niftitest

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math"
)

// Encode serializes a single-file little-endian float32 NIfTI-1 volume.
func Encode[T float32 | float64](dim [3]int, pixdim [3]float64, data []T) []byte {
	raw := make([]byte, 352+4*len(data))
	le := binary.LittleEndian

	le.PutUint32(raw[0:4], 348)
	le.PutUint16(raw[40:42], 3) // ndim
	for i := 0; i < 3; i++ {
		le.PutUint16(raw[42+2*i:44+2*i], uint16(dim[i]))
		le.PutUint32(raw[80+4*i:84+4*i], math.Float32bits(float32(pixdim[i])))
	}
	le.PutUint16(raw[70:72], 16) // float32
	le.PutUint16(raw[72:74], 32) // bitpix
	le.PutUint32(raw[108:112], math.Float32bits(352))
	le.PutUint32(raw[112:116], math.Float32bits(1)) // scl_slope
	copy(raw[344:348], "n+1\x00")

	for i, v := range data {
		le.PutUint32(raw[352+4*i:356+4*i], math.Float32bits(float32(v)))
	}
	return raw
}

// EncodeGz is Encode followed by gzip, for .nii.gz fixtures.
func EncodeGz[T float32 | float64](dim [3]int, pixdim [3]float64, data []T) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(Encode(dim, pixdim, data))
	_ = zw.Close()
	return buf.Bytes()
}

// Flat returns a volume filled with a constant value, sized for dim.
func Flat(dim [3]int, value float64) []float64 {
	data := make([]float64, dim[0]*dim[1]*dim[2])
	for i := range data {
		data[i] = value
	}
	return data
}
