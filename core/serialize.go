package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// NamedTensor pairs a matrix with the key it is stored under.
type NamedTensor struct {
	Name   string
	Tensor *Matrix
}

// SerializationHeader prefixes every tensor bundle.
type SerializationHeader struct {
	Magic    uint32 // "ABLT" magic number
	Version  uint16 // format version
	Count    uint32 // number of tensors
	Checksum uint32 // CRC32 (IEEE) of the tensor section
	Reserved uint32 // padding for future use
}

const (
	SerializationMagic   = 0x544C4241 // "ABLT" in little endian
	SerializationVersion = 1
	HeaderSize           = 18 // packed size of SerializationHeader
	maxNameLen           = 0xFFFF
)

// SerializeMatrix writes a single matrix in binary form.
// Layout: [rows(4)][cols(4)][rows*cols float32 little endian]
func SerializeMatrix(m *Matrix) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 8+4*len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Rows))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Cols))
	for i, v := range m.Data {
		binary.LittleEndian.PutUint32(buf[8+4*i:], math.Float32bits(v))
	}
	return buf, nil
}

// DeserializeMatrix reads a matrix written by SerializeMatrix and returns the
// number of bytes consumed.
func DeserializeMatrix(b []byte) (*Matrix, int, error) {
	if len(b) < 8 {
		return nil, 0, errors.New("matrix header truncated")
	}
	rows := uint64(binary.LittleEndian.Uint32(b[0:4]))
	cols := uint64(binary.LittleEndian.Uint32(b[4:8]))
	avail := uint64(len(b)-8) / 4
	if (cols != 0 && rows > avail/cols) || rows*cols > avail {
		return nil, 0, fmt.Errorf("matrix %dx%d truncated", rows, cols)
	}
	n := int(rows * cols)
	m := NewMatrix(int(rows), int(cols))
	for i := range m.Data {
		m.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[8+4*i:]))
	}
	return m, 8 + 4*n, nil
}

// BatchSerializeTensors serializes named tensors back to back.
// Layout per entry: [len(name)(2)][name][matrix]
func BatchSerializeTensors(tensors []NamedTensor) ([]byte, error) {
	var buffer bytes.Buffer
	for _, t := range tensors {
		if len(t.Name) > maxNameLen {
			return nil, fmt.Errorf("tensor name %q too long", t.Name[:32])
		}
		if err := binary.Write(&buffer, binary.LittleEndian, uint16(len(t.Name))); err != nil {
			return nil, err
		}
		buffer.WriteString(t.Name)
		data, err := SerializeMatrix(t.Tensor)
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", t.Name, err)
		}
		buffer.Write(data)
	}
	return buffer.Bytes(), nil
}

// minEntrySize is the encoded size of an entry with an empty name and an
// empty matrix.
const minEntrySize = 2 + 8

// BatchDeserializeTensors reads count entries written by BatchSerializeTensors.
func BatchDeserializeTensors(data []byte, count int) ([]NamedTensor, error) {
	if count < 0 || count > len(data)/minEntrySize {
		return nil, fmt.Errorf("tensor count %d exceeds %d byte body", count, len(data))
	}
	tensors := make([]NamedTensor, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		if len(data)-pos < 2 {
			return nil, errors.New("tensor name length truncated")
		}
		nameLen := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		if len(data)-pos < nameLen {
			return nil, errors.New("tensor name truncated")
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		m, n, err := DeserializeMatrix(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("deserialize %s: %w", name, err)
		}
		pos += n
		tensors = append(tensors, NamedTensor{Name: name, Tensor: m})
	}
	return tensors, nil
}

// WriteTensors writes a complete bundle with header and integrity checksum.
func WriteTensors(w io.Writer, tensors []NamedTensor) error {
	body, err := BatchSerializeTensors(tensors)
	if err != nil {
		return err
	}
	header := SerializationHeader{
		Magic:    SerializationMagic,
		Version:  SerializationVersion,
		Count:    uint32(len(tensors)),
		Checksum: crc32.ChecksumIEEE(body),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadTensors reads a bundle written by WriteTensors.
func ReadTensors(r io.Reader) ([]NamedTensor, error) {
	var header SerializationHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if header.Magic != SerializationMagic {
		return nil, errors.New("invalid magic number")
	}
	if header.Version != SerializationVersion {
		return nil, errors.New("unsupported serialization version")
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(body) != header.Checksum {
		return nil, errors.New("data corruption detected")
	}
	return BatchDeserializeTensors(body, int(header.Count))
}
